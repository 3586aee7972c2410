// Package resolver реализует отложенное разрешение покупателя по поисковому ключу.
package resolver

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/stockout-system/internal/metrics"
	"github.com/mmeshcher/stockout-system/internal/model"
	"github.com/mmeshcher/stockout-system/internal/validation"
)

const lookupTimeout = 10 * time.Second

// Searcher описывает контракт поиска покупателей в бэкенде.
type Searcher interface {
	SearchCustomers(ctx context.Context, query string) ([]model.CustomerProfile, error)
}

// Resolver хранит состояние покупателя и выполняет отложенный поиск.
// Каждое изменение ключа синхронно сбрасывает подтверждение и перезапускает
// окно задержки; запрос уходит ровно один раз для последнего введённого значения.
// Устаревшие ответы отбрасываются по номеру токена, а не по времени прихода.
type Resolver struct {
	mu       sync.Mutex
	searcher Searcher
	debounce time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	timer    *time.Timer
	token    uint64
	customer model.Customer
}

// New создаёт Resolver с указанным окном задержки поиска.
func New(searcher Searcher, debounce time.Duration, logger *zap.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		searcher: searcher,
		debounce: debounce,
		logger:   logger,
		metrics:  m,
	}
}

// SetDisplayName сохраняет введённое оператором имя покупателя.
// Любое редактирование имени немедленно сбрасывает подтверждение.
func (r *Resolver) SetDisplayName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.customer.DisplayName = name
	r.customer.Verified = false
	r.customer.Profile = nil
}

// SetQuery сохраняет поисковый ключ и планирует отложенный поиск.
// Возвращает true, если поиск был запланирован.
func (r *Resolver) SetQuery(query string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.token++
	r.customer.Query = query
	r.customer.Verified = false
	r.customer.Profile = nil

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	if !validation.IsSearchableQuery(query) {
		return false
	}

	token := r.token
	r.timer = time.AfterFunc(r.debounce, func() {
		r.lookup(token, query)
	})

	return true
}

func (r *Resolver) lookup(token uint64, query string) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	candidates, err := r.searcher.SearchCustomers(ctx, query)

	r.mu.Lock()
	defer r.mu.Unlock()

	// Пока шёл запрос, ключ успели изменить — результат больше не актуален.
	if token != r.token {
		r.metrics.IncLookup("stale")
		return
	}

	if err != nil {
		// Сбой поиска не фатален: покупатель остаётся неподтверждённым,
		// оператор может продолжать ввод.
		if r.logger != nil {
			r.logger.Warn("customer lookup failed", zap.Error(err))
		}
		r.metrics.IncLookup("error")
		return
	}

	match := pickCandidate(candidates, query)
	if match == nil {
		r.metrics.IncLookup("unresolved")
		return
	}

	profile := *match
	r.customer.Profile = &profile
	r.customer.Verified = true
	if r.customer.DisplayName == "" {
		r.customer.DisplayName = profile.FullName
	}
	r.metrics.IncLookup("resolved")
}

// pickCandidate выбирает покупателя среди кандидатов: точное совпадение
// по телефону или уникальному идентификатору без учёта регистра,
// иначе первый кандидат из ответа.
func pickCandidate(candidates []model.CustomerProfile, query string) *model.CustomerProfile {
	if len(candidates) == 0 {
		return nil
	}

	key := strings.ToLower(strings.TrimSpace(query))
	for i := range candidates {
		if strings.ToLower(candidates[i].Phone) == key ||
			strings.ToLower(candidates[i].UniqueID) == key {
			return &candidates[i]
		}
	}

	return &candidates[0]
}

// Customer возвращает текущее состояние покупателя.
func (r *Resolver) Customer() model.Customer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.customer
}

// Verified сообщает, подтверждён ли покупатель.
func (r *Resolver) Verified() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.customer.Verified
}

// Reset очищает состояние покупателя и отменяет запланированный поиск.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.token++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.customer = model.Customer{}
}

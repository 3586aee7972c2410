// Package workflow реализует рабочий процесс оформления складского списания:
// подтверждение покупателя, формирование позиций, корзину и отправку партии.
package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/stockout-system/internal/backend"
	"github.com/mmeshcher/stockout-system/internal/cart"
	"github.com/mmeshcher/stockout-system/internal/journal"
	"github.com/mmeshcher/stockout-system/internal/metrics"
	"github.com/mmeshcher/stockout-system/internal/model"
	"github.com/mmeshcher/stockout-system/internal/resolver"
	"github.com/mmeshcher/stockout-system/internal/validation"
)

// ErrSessionNotFound возвращается, если сессия с указанным идентификатором не существует.
var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrSubmitInProgress возвращается при попытке изменить сессию во время отправки партии.
	ErrSubmitInProgress = errors.New("submission in progress")
	// ErrLineNotFound возвращается при удалении несуществующей позиции корзины.
	ErrLineNotFound = errors.New("cart line not found")
	// ErrStaleConfirmation возвращается, если токен подтверждения устарел или не выдавался.
	ErrStaleConfirmation = errors.New("confirmation is no longer valid")
	// ErrSubmitFailed возвращается, если хотя бы один запрос списания завершился неуспехом.
	ErrSubmitFailed = errors.New("one or more stock out requests failed")
)

// SentinelOperatorID подставляется в запросы списания, когда личность оператора неизвестна.
const SentinelOperatorID = "0"

// Backend описывает операции розничного бэкенда, используемые рабочим процессом.
type Backend interface {
	GetProductByItemCode(ctx context.Context, itemCode string) (*model.ProductSnapshot, error)
	StockOut(ctx context.Context, r backend.StockOutRequest) error
}

// Journal описывает журнал успешно отправленных партий.
type Journal interface {
	RecordBatch(ctx context.Context, b journal.Batch) error
}

// Notifier описывает рассылку сигнала о завершённой партии.
type Notifier interface {
	Publish(ctx context.Context, c model.Completion)
}

// Status — этап рабочего процесса сессии.
type Status string

const (
	// StatusIdle — сессия принимает правки.
	StatusIdle Status = "IDLE"
	// StatusAwaitingConfirmation — проверки пройдены, ожидается подтверждение оператора.
	StatusAwaitingConfirmation Status = "AWAITING_CONFIRMATION"
	// StatusSubmitting — партия отправляется; правки отклоняются до завершения.
	StatusSubmitting Status = "SUBMITTING"
)

// Session — состояние одного рабочего процесса списания.
// Сессией владеет ровно один оператор; все её поля защищены mu.
type Session struct {
	mu sync.Mutex

	id           uuid.UUID
	resolver     *resolver.Resolver
	cart         *cart.Cart
	pending      model.PendingLine
	paymentMode  model.PaymentMode
	note         string
	status       Status
	confirmToken string
	lastError    string
	lastActive   time.Time
}

// Config содержит настройки рабочего процесса.
type Config struct {
	Debounce        time.Duration
	CompletionDelay time.Duration
	SessionTTL      time.Duration
}

// Service управляет сессиями рабочего процесса списания.
type Service struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	backend  Backend
	searcher resolver.Searcher
	journal  Journal
	notifier Notifier
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cfg      Config
}

// NewService создаёт сервис рабочего процесса. Журнал и издатель событий
// необязательны: при nil соответствующие шаги пропускаются.
func NewService(b Backend, s resolver.Searcher, j Journal, n Notifier, logger *zap.Logger, m *metrics.Metrics, cfg Config) *Service {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}

	return &Service{
		sessions: make(map[uuid.UUID]*Session),
		backend:  b,
		searcher: s,
		journal:  j,
		notifier: n,
		logger:   logger,
		metrics:  m,
		cfg:      cfg,
	}
}

// CreateSession создаёт пустую сессию рабочего процесса и возвращает её идентификатор.
func (s *Service) CreateSession() string {
	sess := &Session{
		id:         uuid.New(),
		resolver:   resolver.New(s.searcher, s.cfg.Debounce, s.logger, s.metrics),
		cart:       cart.New(),
		status:     StatusIdle,
		lastActive: time.Now(),
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	return sess.id.String()
}

func (s *Service) session(id string) (*Session, error) {
	sid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	s.mu.RLock()
	sess, ok := s.sessions[sid]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	return sess, nil
}

// DeleteSession удаляет сессию и отменяет запланированный поиск покупателя.
func (s *Service) DeleteSession(id string) error {
	sid, err := uuid.Parse(id)
	if err != nil {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	sess, ok := s.sessions[sid]
	delete(s.sessions, sid)
	s.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	sess.resolver.Reset()
	return nil
}

// SessionState — снимок состояния сессии для отдачи наружу.
type SessionState struct {
	ID          string
	Customer    model.Customer
	Pending     model.PendingLine
	Lines       []model.CartLine
	Total       decimal.Decimal
	PaymentMode model.PaymentMode
	Status      Status
	LastError   string
}

// State возвращает текущее состояние сессии.
func (s *Service) State(id string) (SessionState, error) {
	sess, err := s.session(id)
	if err != nil {
		return SessionState{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	return SessionState{
		ID:          sess.id.String(),
		Customer:    sess.resolver.Customer(),
		Pending:     sess.pending,
		Lines:       sess.cart.Lines(),
		Total:       sess.cart.Total(),
		PaymentMode: sess.paymentMode,
		Status:      sess.status,
		LastError:   sess.lastError,
	}, nil
}

// touch отмечает активность и сбрасывает выданное подтверждение:
// после любой правки старый токен не должен подтверждать изменившуюся корзину.
// Вызывается под sess.mu.
func (sess *Session) touch() {
	sess.lastActive = time.Now()
	if sess.status == StatusAwaitingConfirmation {
		sess.status = StatusIdle
	}
	sess.confirmToken = ""
}

// SetCustomer применяет правки полей покупателя. Изменение поискового ключа
// синхронно сбрасывает подтверждение, формируемую позицию и всю корзину.
func (s *Service) SetCustomer(id string, displayName, query *string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.status == StatusSubmitting {
		return ErrSubmitInProgress
	}
	sess.touch()

	if displayName != nil {
		sess.resolver.SetDisplayName(*displayName)
	}

	if query != nil {
		sess.resolver.SetQuery(*query)
		sess.pending = model.PendingLine{}
		sess.cart.Clear()
	}

	return nil
}

// FetchSnapshot явно запрашивает снимок товара для формируемой позиции.
// Недоступно, пока покупатель не подтверждён. Прежний снимок отбрасывается
// сразу, до обращения к бэкенду.
func (s *Service) FetchSnapshot(ctx context.Context, id, itemCode string) (model.PendingLine, error) {
	sess, err := s.session(id)
	if err != nil {
		return model.PendingLine{}, err
	}

	sess.mu.Lock()
	if sess.status == StatusSubmitting {
		sess.mu.Unlock()
		return model.PendingLine{}, ErrSubmitInProgress
	}
	sess.touch()

	if !sess.resolver.Verified() {
		sess.mu.Unlock()
		return model.PendingLine{}, cart.ErrCustomerUnresolved
	}

	sess.pending = model.PendingLine{ItemCode: itemCode}
	sess.mu.Unlock()

	snap, fetchErr := s.backend.GetProductByItemCode(ctx, itemCode)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	// Код товара успели изменить — пришедший снимок к нему уже не относится.
	if sess.pending.ItemCode != itemCode {
		return sess.pending, nil
	}

	if fetchErr != nil {
		sess.pending = model.PendingLine{
			ItemCode: itemCode,
			Fetch:    model.FetchNotFound,
		}
		if errors.Is(fetchErr, backend.ErrProductNotFound) {
			s.metrics.IncSnapshotFetch("not_found")
		} else {
			s.logger.Warn("product fetch failed", zap.Error(fetchErr), zap.String("item", itemCode))
			s.metrics.IncSnapshotFetch("error")
		}
		return sess.pending, nil
	}

	sess.pending = model.PendingLine{
		ItemCode: itemCode,
		Snapshot: snap,
		Fetch:    model.FetchFound,
		Points:   model.Points(snap.SellRate, 0),
	}
	s.metrics.IncSnapshotFetch("found")

	return sess.pending, nil
}

// EditPending применяет правки формируемой позиции. Смена кода товара
// отбрасывает снимок и производные поля; правка количества пересчитывает баллы.
func (s *Service) EditPending(id string, itemCode, quantity *string) (model.PendingLine, error) {
	sess, err := s.session(id)
	if err != nil {
		return model.PendingLine{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.status == StatusSubmitting {
		return model.PendingLine{}, ErrSubmitInProgress
	}
	sess.touch()

	if itemCode != nil && *itemCode != sess.pending.ItemCode {
		sess.pending = model.PendingLine{ItemCode: *itemCode}
	}

	if quantity != nil {
		sess.pending.QuantityRaw = *quantity
	}

	rate := decimal.Zero
	if sess.pending.Snapshot != nil {
		rate = sess.pending.Snapshot.SellRate
	}
	sess.pending.Points = model.Points(rate, validation.ParseQuantity(sess.pending.QuantityRaw))

	return sess.pending, nil
}

// AddLine принимает формируемую позицию в корзину и сбрасывает её при успехе.
func (s *Service) AddLine(id string) (model.CartLine, error) {
	sess, err := s.session(id)
	if err != nil {
		return model.CartLine{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.status == StatusSubmitting {
		return model.CartLine{}, ErrSubmitInProgress
	}
	sess.touch()

	line, err := sess.cart.Add(sess.pending, sess.resolver.Verified())
	if err != nil {
		s.metrics.IncCartRejection(rejectionReason(err))
		return model.CartLine{}, err
	}

	sess.pending = model.PendingLine{}
	return line, nil
}

// RemoveLine удаляет позицию корзины по идентификатору.
func (s *Service) RemoveLine(id string, lineID int64) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.status == StatusSubmitting {
		return ErrSubmitInProgress
	}
	sess.touch()

	if !sess.cart.Remove(lineID) {
		return ErrLineNotFound
	}

	return nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, cart.ErrCustomerUnresolved):
		return "unresolved"
	case errors.Is(err, cart.ErrNoSnapshot):
		return "no_snapshot"
	case errors.Is(err, cart.ErrBadQuantity):
		return "bad_quantity"
	case errors.Is(err, cart.ErrStockExceeded):
		return "stock_exceeded"
	case errors.Is(err, cart.ErrDuplicateItem):
		return "duplicate"
	}
	return "other"
}

// StartSessionSweep запускает фоновую уборку сессий, неактивных дольше TTL.
func (s *Service) StartSessionSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *Service) sweep() {
	deadline := time.Now().Add(-s.cfg.SessionTTL)

	s.mu.Lock()
	var expired []*Session
	for id, sess := range s.sessions {
		sess.mu.Lock()
		idle := sess.lastActive.Before(deadline) && sess.status != StatusSubmitting
		sess.mu.Unlock()

		if idle {
			expired = append(expired, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		sess.resolver.Reset()
		if s.logger != nil {
			s.logger.Info("expired idle session", zap.String("session", sess.id.String()))
		}
	}
}

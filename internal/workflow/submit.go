package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/stockout-system/internal/backend"
	"github.com/mmeshcher/stockout-system/internal/journal"
	"github.com/mmeshcher/stockout-system/internal/model"
)

// ValidationError описывает первую непройденную проверку перед отправкой.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Confirmation — выданное оператору приглашение подтвердить отправку.
// Токен одноразовый и перестаёт действовать после любой правки сессии.
type Confirmation struct {
	Token   string          `json:"confirmation_token"`
	Message string          `json:"message"`
	Items   int             `json:"items"`
	Total   decimal.Decimal `json:"total"`
}

// validate выполняет проверки перед отправкой в порядке, заданном контрактом,
// и возвращает первую непройденную. Вызывается под sess.mu.
func validate(sess *Session, mode model.PaymentMode) *ValidationError {
	c := sess.resolver.Customer()

	if strings.TrimSpace(c.DisplayName) == "" {
		return &ValidationError{Field: "customer_name", Message: "customer name is required"}
	}

	if strings.TrimSpace(c.Query) == "" {
		return &ValidationError{Field: "customer_query", Message: "customer phone or id is required"}
	}

	if !c.Verified {
		return &ValidationError{Field: "customer", Message: "customer is not verified"}
	}

	if !mode.Valid() {
		return &ValidationError{Field: "payment_mode", Message: "payment mode is not selected"}
	}

	lines := sess.cart.Lines()
	if len(lines) == 0 {
		return &ValidationError{Field: "cart", Message: "cart is empty"}
	}

	// Повторная проверка позиций: инварианты корзины должны были это
	// гарантировать, но перед вводом-выводом состояние сверяется ещё раз.
	for _, l := range lines {
		if strings.TrimSpace(l.ItemCode) == "" || l.Quantity <= 0 || l.StockAtAccept <= 0 {
			return &ValidationError{Field: "cart", Message: fmt.Sprintf("cart line %d is invalid", l.ID)}
		}
	}

	return nil
}

// Submit выполняет проверки и переводит сессию в ожидание подтверждения.
// Никаких сетевых вызовов до явного подтверждения оператора не происходит.
func (s *Service) Submit(id string, mode model.PaymentMode, note string) (Confirmation, error) {
	sess, err := s.session(id)
	if err != nil {
		return Confirmation{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.status == StatusSubmitting {
		return Confirmation{}, ErrSubmitInProgress
	}
	sess.touch()

	if vErr := validate(sess, mode); vErr != nil {
		s.metrics.IncSubmission("rejected")
		return Confirmation{}, vErr
	}

	sess.paymentMode = mode
	sess.note = note
	sess.status = StatusAwaitingConfirmation
	sess.confirmToken = uuid.NewString()

	n := sess.cart.Len()
	c := sess.resolver.Customer()

	return Confirmation{
		Token:   sess.confirmToken,
		Message: fmt.Sprintf("remove stock for %d item(s) for customer %s?", n, c.DisplayName),
		Items:   n,
		Total:   sess.cart.Total(),
	}, nil
}

// Confirm принимает токен подтверждения и отправляет партию: по одному
// запросу списания на позицию, все одновременно. Итог подводится только
// после завершения всех запросов; при любом сбое состояние сессии
// сохраняется для повторной отправки, откат уже применённых списаний
// не выполняется.
func (s *Service) Confirm(ctx context.Context, id, token, operatorID string) (int, error) {
	sess, err := s.session(id)
	if err != nil {
		return 0, err
	}

	sess.mu.Lock()

	if sess.status == StatusSubmitting {
		sess.mu.Unlock()
		return 0, ErrSubmitInProgress
	}

	if sess.status != StatusAwaitingConfirmation || token == "" || token != sess.confirmToken {
		sess.mu.Unlock()
		return 0, ErrStaleConfirmation
	}

	if vErr := validate(sess, sess.paymentMode); vErr != nil {
		sess.status = StatusIdle
		sess.confirmToken = ""
		sess.mu.Unlock()
		s.metrics.IncSubmission("rejected")
		return 0, vErr
	}

	if operatorID == "" {
		operatorID = SentinelOperatorID
	}

	lines := sess.cart.Lines()
	customer := sess.resolver.Customer()
	mode := sess.paymentMode
	note := sess.note

	sess.status = StatusSubmitting
	sess.confirmToken = ""
	sess.mu.Unlock()

	var g errgroup.Group
	for _, l := range lines {
		l := l
		g.Go(func() error {
			return s.backend.StockOut(ctx, backend.StockOutRequest{
				ItemCode:      l.ItemCode,
				Quantity:      l.Quantity,
				Note:          note,
				OperatorID:    operatorID,
				CustomerName:  customer.DisplayName,
				CustomerPhone: customer.Query,
				PaymentMode:   string(mode),
				MRP:           l.MRP,
				SellRate:      l.SellRate,
				Discount:      l.Discount,
			})
		})
	}

	// Барьер: итог подводится после того, как завершатся все запросы.
	submitErr := g.Wait()

	if submitErr != nil {
		sess.mu.Lock()
		sess.status = StatusIdle
		sess.lastError = ErrSubmitFailed.Error()
		sess.mu.Unlock()

		s.logger.Error("batch submission failed",
			zap.Error(submitErr),
			zap.String("session", id),
			zap.Int("items", len(lines)),
		)
		s.metrics.IncSubmission("failed")

		return 0, ErrSubmitFailed
	}

	completion := model.Completion{
		SessionID:     id,
		CustomerName:  customer.DisplayName,
		CustomerPhone: customer.Query,
		Items:         len(lines),
		Total:         totalOf(lines),
		SubmittedAt:   time.Now(),
	}

	if s.journal != nil {
		b := journal.Batch{
			SessionID:     id,
			OperatorID:    operatorID,
			CustomerName:  customer.DisplayName,
			CustomerPhone: customer.Query,
			PaymentMode:   string(mode),
			Total:         completion.Total,
			Lines:         lines,
			SubmittedAt:   completion.SubmittedAt,
		}
		if err := s.journal.RecordBatch(ctx, b); err != nil {
			// Журнал — вспомогательная сверка; его сбой не отменяет успешную отправку.
			s.logger.Error("record batch journal", zap.Error(err), zap.String("session", id))
		}
	}

	sess.mu.Lock()
	sess.resolver.Reset()
	sess.pending = model.PendingLine{}
	sess.cart.Clear()
	sess.paymentMode = ""
	sess.note = ""
	sess.status = StatusIdle
	sess.lastError = ""
	sess.mu.Unlock()

	if s.notifier != nil {
		// Сигнал уходит с небольшой задержкой, чтобы бэкенд успел
		// сделать списания видимыми для соседних представлений.
		time.AfterFunc(s.cfg.CompletionDelay, func() {
			s.notifier.Publish(context.Background(), completion)
		})
	}

	s.metrics.IncSubmission("success")

	return len(lines), nil
}

func totalOf(lines []model.CartLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount)
	}
	return total
}

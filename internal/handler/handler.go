// Package handler содержит HTTP-обработчики API сервиса складских списаний.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/stockout-system/internal/cart"
	"github.com/mmeshcher/stockout-system/internal/journal"
	"github.com/mmeshcher/stockout-system/internal/middleware"
	"github.com/mmeshcher/stockout-system/internal/model"
	"github.com/mmeshcher/stockout-system/internal/workflow"
)

// Service определяет контракт рабочего процесса, используемый HTTP-обработчиками.
type Service interface {
	CreateSession() string
	DeleteSession(id string) error
	State(id string) (workflow.SessionState, error)
	SetCustomer(id string, displayName, query *string) error
	FetchSnapshot(ctx context.Context, id, itemCode string) (model.PendingLine, error)
	EditPending(id string, itemCode, quantity *string) (model.PendingLine, error)
	AddLine(id string) (model.CartLine, error)
	RemoveLine(id string, lineID int64) error
	Submit(id string, mode model.PaymentMode, note string) (workflow.Confirmation, error)
	Confirm(ctx context.Context, id, token, operatorID string) (int, error)
}

// JournalReader определяет доступ к журналу партий для сверки.
type JournalReader interface {
	RecentBatches(ctx context.Context, limit int) ([]journal.BatchSummary, error)
}

// Handler реализует HTTP-обработчики API сервиса складских списаний.
type Handler struct {
	service  Service
	journal  JournalReader
	logger   *zap.Logger
	identity *middleware.Identity
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// Журнал необязателен: при nil соответствующий маршрут отвечает 503.
func NewHandler(s Service, j JournalReader, logger *zap.Logger, identity *middleware.Identity) *Handler {
	return &Handler{
		service:  s,
		journal:  j,
		logger:   logger,
		identity: identity,
	}
}

type operatorRequest struct {
	OperatorID int64 `json:"operator_id"`
}

// IssueOperator выдаёт подписанный cookie с идентификатором оператора.
// Сама аутентификация выполняется оболочкой бэк-офиса и сюда не входит.
func (h *Handler) IssueOperator(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.OperatorID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	h.identity.SetOperatorCookie(w, req.OperatorID)
	w.WriteHeader(http.StatusOK)
}

type sessionCreatedResponse struct {
	SessionID string `json:"session_id"`
}

// CreateSession создаёт новую сессию рабочего процесса.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id := h.service.CreateSession()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(sessionCreatedResponse{SessionID: id}); err != nil {
		h.logger.Error("encode session response", zap.Error(err))
	}
}

type customerView struct {
	DisplayName string                 `json:"display_name"`
	Query       string                 `json:"query"`
	Verified    bool                   `json:"verified"`
	Profile     *model.CustomerProfile `json:"profile,omitempty"`
}

type pendingView struct {
	ItemCode   string                 `json:"item_code"`
	FetchState model.FetchState       `json:"fetch_state"`
	Product    *model.ProductSnapshot `json:"product,omitempty"`
	Quantity   string                 `json:"quantity"`
	Points     decimal.Decimal        `json:"points"`
}

type cartView struct {
	Lines []model.CartLine `json:"lines"`
	Total decimal.Decimal  `json:"total"`
}

type sessionResponse struct {
	SessionID   string            `json:"session_id"`
	Status      workflow.Status   `json:"status"`
	Customer    customerView      `json:"customer"`
	Pending     pendingView       `json:"pending"`
	Cart        cartView          `json:"cart"`
	PaymentMode model.PaymentMode `json:"payment_mode,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
}

func sessionView(st workflow.SessionState) sessionResponse {
	fetch := st.Pending.Fetch
	if fetch == "" {
		fetch = model.FetchNone
	}

	lines := st.Lines
	if lines == nil {
		lines = []model.CartLine{}
	}

	return sessionResponse{
		SessionID: st.ID,
		Status:    st.Status,
		Customer: customerView{
			DisplayName: st.Customer.DisplayName,
			Query:       st.Customer.Query,
			Verified:    st.Customer.Verified,
			Profile:     st.Customer.Profile,
		},
		Pending: pendingView{
			ItemCode:   st.Pending.ItemCode,
			FetchState: fetch,
			Product:    st.Pending.Snapshot,
			Quantity:   st.Pending.QuantityRaw,
			Points:     st.Pending.Points,
		},
		Cart: cartView{
			Lines: lines,
			Total: st.Total,
		},
		PaymentMode: st.PaymentMode,
		LastError:   st.LastError,
	}
}

// GetSession возвращает текущее состояние сессии.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.State(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, sessionView(st))
}

// DeleteSession удаляет сессию рабочего процесса.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteSession(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type customerRequest struct {
	DisplayName *string `json:"display_name"`
	Query       *string `json:"query"`
}

// UpdateCustomer применяет правки полей покупателя.
func (h *Handler) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	var req customerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetCustomer(chi.URLParam(r, "id"), req.DisplayName, req.Query); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type fetchRequest struct {
	ItemCode string `json:"item_code"`
}

// FetchItem явно запрашивает снимок товара для формируемой позиции.
func (h *Handler) FetchItem(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ItemCode == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	pending, err := h.service.FetchSnapshot(r.Context(), chi.URLParam(r, "id"), req.ItemCode)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, pendingView{
		ItemCode:   pending.ItemCode,
		FetchState: pending.Fetch,
		Product:    pending.Snapshot,
		Quantity:   pending.QuantityRaw,
		Points:     pending.Points,
	})
}

type pendingRequest struct {
	ItemCode *string `json:"item_code"`
	Quantity *string `json:"quantity"`
}

// UpdatePending применяет правки формируемой позиции и возвращает пересчитанные поля.
func (h *Handler) UpdatePending(w http.ResponseWriter, r *http.Request) {
	var req pendingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	pending, err := h.service.EditPending(chi.URLParam(r, "id"), req.ItemCode, req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}

	fetch := pending.Fetch
	if fetch == "" {
		fetch = model.FetchNone
	}

	h.writeJSON(w, http.StatusOK, pendingView{
		ItemCode:   pending.ItemCode,
		FetchState: fetch,
		Product:    pending.Snapshot,
		Quantity:   pending.QuantityRaw,
		Points:     pending.Points,
	})
}

type rejectionResponse struct {
	Error string `json:"error"`
}

// AddLine принимает формируемую позицию в корзину.
func (h *Handler) AddLine(w http.ResponseWriter, r *http.Request) {
	line, err := h.service.AddLine(chi.URLParam(r, "id"))
	if err != nil {
		if isAdmissionError(err) {
			h.writeJSON(w, http.StatusUnprocessableEntity, rejectionResponse{Error: err.Error()})
			return
		}
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, line)
}

// RemoveLine удаляет позицию корзины по идентификатору.
func (h *Handler) RemoveLine(w http.ResponseWriter, r *http.Request) {
	lineID, err := strconv.ParseInt(chi.URLParam(r, "lineID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RemoveLine(chi.URLParam(r, "id"), lineID); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type submitRequest struct {
	PaymentMode string `json:"payment_mode"`
	Note        string `json:"note"`
}

type fieldErrorResponse struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// Submit выполняет проверки и возвращает приглашение подтвердить отправку.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	conf, err := h.service.Submit(chi.URLParam(r, "id"), model.PaymentMode(req.PaymentMode), req.Note)
	if err != nil {
		var vErr *workflow.ValidationError
		if errors.As(err, &vErr) {
			h.writeJSON(w, http.StatusUnprocessableEntity, fieldErrorResponse{Field: vErr.Field, Error: vErr.Message})
			return
		}
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, conf)
}

type confirmRequest struct {
	ConfirmationToken string `json:"confirmation_token"`
}

type submittedResponse struct {
	Submitted int `json:"submitted"`
}

// Confirm подтверждает отправку партии ранее выданным токеном.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	operatorID := ""
	if id, ok := middleware.OperatorFromContext(r.Context()); ok {
		operatorID = strconv.FormatInt(id, 10)
	}

	submitted, err := h.service.Confirm(r.Context(), chi.URLParam(r, "id"), req.ConfirmationToken, operatorID)
	if err != nil {
		var vErr *workflow.ValidationError
		if errors.As(err, &vErr) {
			h.writeJSON(w, http.StatusUnprocessableEntity, fieldErrorResponse{Field: vErr.Field, Error: vErr.Message})
			return
		}
		if errors.Is(err, workflow.ErrSubmitFailed) {
			h.writeJSON(w, http.StatusBadGateway, rejectionResponse{Error: err.Error()})
			return
		}
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, submittedResponse{Submitted: submitted})
}

// GetJournal возвращает последние записанные партии для сверки.
func (h *Handler) GetJournal(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = n
	}

	batches, err := h.journal.RecentBatches(r.Context(), limit)
	if err != nil {
		h.logger.Error("read journal", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if batches == nil {
		batches = []journal.BatchSummary{}
	}

	h.writeJSON(w, http.StatusOK, batches)
}

func isAdmissionError(err error) bool {
	return errors.Is(err, cart.ErrCustomerUnresolved) ||
		errors.Is(err, cart.ErrNoSnapshot) ||
		errors.Is(err, cart.ErrBadQuantity) ||
		errors.Is(err, cart.ErrStockExceeded) ||
		errors.Is(err, cart.ErrDuplicateItem)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrSessionNotFound), errors.Is(err, workflow.ErrLineNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, workflow.ErrSubmitInProgress), errors.Is(err, workflow.ErrStaleConfirmation):
		h.writeJSON(w, http.StatusConflict, rejectionResponse{Error: err.Error()})
	case errors.Is(err, cart.ErrCustomerUnresolved):
		h.writeJSON(w, http.StatusConflict, rejectionResponse{Error: err.Error()})
	default:
		h.logger.Error("handler error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

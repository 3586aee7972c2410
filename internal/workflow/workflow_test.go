package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/stockout-system/internal/backend"
	"github.com/mmeshcher/stockout-system/internal/cart"
	"github.com/mmeshcher/stockout-system/internal/journal"
	"github.com/mmeshcher/stockout-system/internal/model"
)

type stubBackend struct {
	mu          sync.Mutex
	products    map[string]*model.ProductSnapshot
	stockErr    map[string]error
	stockCalls  []backend.StockOutRequest
	productGate chan struct{}
}

func (b *stubBackend) GetProductByItemCode(ctx context.Context, itemCode string) (*model.ProductSnapshot, error) {
	if b.productGate != nil {
		<-b.productGate
	}

	b.mu.Lock()
	p, ok := b.products[itemCode]
	b.mu.Unlock()

	if !ok {
		return nil, backend.ErrProductNotFound
	}

	cp := *p
	return &cp, nil
}

func (b *stubBackend) StockOut(ctx context.Context, r backend.StockOutRequest) error {
	b.mu.Lock()
	b.stockCalls = append(b.stockCalls, r)
	err := b.stockErr[r.ItemCode]
	b.mu.Unlock()
	return err
}

func (b *stubBackend) stockOutCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.stockCalls)
}

type stubSearcher struct {
	profiles map[string][]model.CustomerProfile
}

func (s *stubSearcher) SearchCustomers(ctx context.Context, query string) ([]model.CustomerProfile, error) {
	return s.profiles[query], nil
}

type stubJournal struct {
	mu      sync.Mutex
	batches []journal.Batch
	err     error
}

func (j *stubJournal) RecordBatch(ctx context.Context, b journal.Batch) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.batches = append(j.batches, b)
	return nil
}

type stubNotifier struct {
	ch chan model.Completion
}

func (n *stubNotifier) Publish(ctx context.Context, c model.Completion) {
	n.ch <- c
}

func product(code string, stock, sellRate int64) *model.ProductSnapshot {
	return &model.ProductSnapshot{
		ItemCode:        code,
		ProductName:     "Product " + code,
		SKUCode:         code + "-SKU",
		ModelNumber:     "M-" + code,
		CurrentQuantity: stock,
		MRP:             decimal.NewFromInt(sellRate + 100),
		SellRate:        decimal.NewFromInt(sellRate),
		Discount:        decimal.NewFromInt(5),
	}
}

func newTestService(b *stubBackend, j Journal, n Notifier) *Service {
	searcher := &stubSearcher{
		profiles: map[string][]model.CustomerProfile{
			"9000000001": {{Phone: "9000000001", FullName: "A", City: "Chennai", Pincode: "600001"}},
		},
	}

	return NewService(b, searcher, j, n, zap.NewNop(), nil, Config{
		Debounce:        5 * time.Millisecond,
		CompletionDelay: 10 * time.Millisecond,
		SessionTTL:      time.Minute,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func str(s string) *string {
	return &s
}

// verifiedSession создаёт сессию с подтверждённым покупателем 9000000001.
func verifiedSession(t *testing.T, s *Service) string {
	t.Helper()

	id := s.CreateSession()
	if err := s.SetCustomer(id, nil, str("9000000001")); err != nil {
		t.Fatalf("SetCustomer error: %v", err)
	}

	waitFor(t, func() bool {
		st, err := s.State(id)
		return err == nil && st.Customer.Verified
	})

	return id
}

func addItem(t *testing.T, s *Service, id, code, qty string) model.CartLine {
	t.Helper()

	if _, err := s.FetchSnapshot(context.Background(), id, code); err != nil {
		t.Fatalf("FetchSnapshot(%s) error: %v", code, err)
	}
	if _, err := s.EditPending(id, nil, str(qty)); err != nil {
		t.Fatalf("EditPending error: %v", err)
	}

	line, err := s.AddLine(id)
	if err != nil {
		t.Fatalf("AddLine(%s) error: %v", code, err)
	}
	return line
}

func TestWorkflow_HappyPath(t *testing.T) {
	b := &stubBackend{products: map[string]*model.ProductSnapshot{"SKU1": product("SKU1", 10, 500)}}
	jrnl := &stubJournal{}
	notifier := &stubNotifier{ch: make(chan model.Completion, 1)}
	s := newTestService(b, jrnl, notifier)

	id := verifiedSession(t, s)

	pending, err := s.FetchSnapshot(context.Background(), id, "SKU1")
	if err != nil {
		t.Fatalf("FetchSnapshot error: %v", err)
	}
	if pending.Fetch != model.FetchFound || pending.Snapshot == nil {
		t.Fatalf("unexpected pending after fetch: %+v", pending)
	}
	if !pending.Points.Equal(decimal.Zero) {
		t.Fatalf("points before quantity input = %s, want 0", pending.Points)
	}

	pending, err = s.EditPending(id, nil, str("3"))
	if err != nil {
		t.Fatalf("EditPending error: %v", err)
	}
	if !pending.Points.Equal(decimal.NewFromFloat(0.75)) {
		t.Fatalf("points = %s, want 0.75", pending.Points)
	}

	line, err := s.AddLine(id)
	if err != nil {
		t.Fatalf("AddLine error: %v", err)
	}
	if !line.Amount.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("amount = %s, want 1500", line.Amount)
	}

	st, _ := s.State(id)
	if len(st.Lines) != 1 || !st.Total.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("cart = %d lines, total %s; want 1 line, total 1500", len(st.Lines), st.Total)
	}
	if st.Pending.ItemCode != "" || st.Pending.Snapshot != nil {
		t.Fatalf("pending must be reset after acceptance: %+v", st.Pending)
	}

	conf, err := s.Submit(id, model.PaymentModeCash, "counter sale")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if conf.Items != 1 || conf.Token == "" {
		t.Fatalf("unexpected confirmation: %+v", conf)
	}

	submitted, err := s.Confirm(context.Background(), id, conf.Token, "7")
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	if submitted != 1 {
		t.Fatalf("submitted = %d, want 1", submitted)
	}

	if b.stockOutCount() != 1 {
		t.Fatalf("stock out calls = %d, want 1", b.stockOutCount())
	}
	call := b.stockCalls[0]
	if call.ItemCode != "SKU1" || call.Quantity != 3 || call.OperatorID != "7" {
		t.Fatalf("unexpected stock out request: %+v", call)
	}
	if call.CustomerName != "A" || call.CustomerPhone != "9000000001" || call.PaymentMode != "CASH" {
		t.Fatalf("unexpected customer fields: %+v", call)
	}

	// Успех полностью очищает состояние.
	st, _ = s.State(id)
	if st.Customer.Verified || st.Customer.Query != "" || len(st.Lines) != 0 {
		t.Fatalf("state must be cleared after success: %+v", st)
	}
	if st.Status != StatusIdle {
		t.Fatalf("status = %s, want IDLE", st.Status)
	}

	select {
	case c := <-notifier.ch:
		if c.Items != 1 || !c.Total.Equal(decimal.NewFromInt(1500)) {
			t.Fatalf("unexpected completion: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatalf("completion event was not published")
	}

	jrnl.mu.Lock()
	defer jrnl.mu.Unlock()
	if len(jrnl.batches) != 1 || len(jrnl.batches[0].Lines) != 1 {
		t.Fatalf("journal batches = %+v, want exactly one with one line", jrnl.batches)
	}
}

func TestFetchSnapshot_RequiresResolvedCustomer(t *testing.T) {
	b := &stubBackend{products: map[string]*model.ProductSnapshot{"SKU1": product("SKU1", 10, 500)}}
	s := newTestService(b, nil, nil)

	id := s.CreateSession()

	_, err := s.FetchSnapshot(context.Background(), id, "SKU1")
	if !errors.Is(err, cart.ErrCustomerUnresolved) {
		t.Fatalf("error = %v, want ErrCustomerUnresolved", err)
	}
}

func TestFetchSnapshot_NotFoundIsSoft(t *testing.T) {
	b := &stubBackend{products: map[string]*model.ProductSnapshot{}}
	s := newTestService(b, nil, nil)

	id := verifiedSession(t, s)

	pending, err := s.FetchSnapshot(context.Background(), id, "MISSING")
	if err != nil {
		t.Fatalf("not found must not be a blocking error, got %v", err)
	}
	if pending.Fetch != model.FetchNotFound {
		t.Fatalf("fetch state = %s, want NOT_FOUND", pending.Fetch)
	}
	if pending.Snapshot != nil {
		t.Fatalf("snapshot must be cleared on not found")
	}
}

func TestFetchSnapshot_StaleResultNotAttached(t *testing.T) {
	gate := make(chan struct{})
	b := &stubBackend{
		products:    map[string]*model.ProductSnapshot{"SKU1": product("SKU1", 10, 500)},
		productGate: gate,
	}
	s := newTestService(b, nil, nil)

	id := verifiedSession(t, s)

	done := make(chan model.PendingLine, 1)
	go func() {
		p, _ := s.FetchSnapshot(context.Background(), id, "SKU1")
		done <- p
	}()

	// Пока запрос снимка в полёте, оператор меняет код товара.
	time.Sleep(20 * time.Millisecond)
	if _, err := s.EditPending(id, str("SKU2"), nil); err != nil {
		t.Fatalf("EditPending error: %v", err)
	}
	close(gate)

	<-done

	st, _ := s.State(id)
	if st.Pending.ItemCode != "SKU2" {
		t.Fatalf("pending item code = %q, want SKU2", st.Pending.ItemCode)
	}
	if st.Pending.Snapshot != nil {
		t.Fatalf("stale snapshot must not attach to a changed item code")
	}
}

func TestEditPending_ItemCodeChangeDiscardsSnapshot(t *testing.T) {
	b := &stubBackend{products: map[string]*model.ProductSnapshot{"SKU1": product("SKU1", 10, 500)}}
	s := newTestService(b, nil, nil)

	id := verifiedSession(t, s)

	if _, err := s.FetchSnapshot(context.Background(), id, "SKU1"); err != nil {
		t.Fatalf("FetchSnapshot error: %v", err)
	}
	if _, err := s.EditPending(id, nil, str("3")); err != nil {
		t.Fatalf("EditPending error: %v", err)
	}

	pending, err := s.EditPending(id, str("SKU2"), nil)
	if err != nil {
		t.Fatalf("EditPending error: %v", err)
	}

	if pending.Snapshot != nil || pending.Fetch != model.FetchNone {
		t.Fatalf("snapshot must be discarded on item code change: %+v", pending)
	}
	if pending.QuantityRaw != "" {
		t.Fatalf("quantity must be discarded on item code change, got %q", pending.QuantityRaw)
	}
	if !pending.Points.Equal(decimal.Zero) {
		t.Fatalf("points must reset to zero, got %s", pending.Points)
	}
}

func TestAddLine_DuplicateRejected(t *testing.T) {
	b := &stubBackend{products: map[string]*model.ProductSnapshot{"SKU1": product("SKU1", 10, 500)}}
	s := newTestService(b, nil, nil)

	id := verifiedSession(t, s)
	addItem(t, s, id, "SKU1", "3")

	if _, err := s.FetchSnapshot(context.Background(), id, "SKU1"); err != nil {
		t.Fatalf("FetchSnapshot error: %v", err)
	}
	if _, err := s.EditPending(id, nil, str("1")); err != nil {
		t.Fatalf("EditPending error: %v", err)
	}

	_, err := s.AddLine(id)
	if !errors.Is(err, cart.ErrDuplicateItem) {
		t.Fatalf("error = %v, want ErrDuplicateItem", err)
	}

	st, _ := s.State(id)
	if len(st.Lines) != 1 {
		t.Fatalf("cart size = %d, want 1", len(st.Lines))
	}
}

func TestSetCustomer_QueryChangeClearsDependentState(t *testing.T) {
	b := &stubBackend{products: map[string]*model.ProductSnapshot{"SKU1": product("SKU1", 10, 500)}}
	s := newTestService(b, nil, nil)

	id := verifiedSession(t, s)
	addItem(t, s, id, "SKU1", "3")

	if err := s.SetCustomer(id, nil, str("9000000002")); err != nil {
		t.Fatalf("SetCustomer error: %v", err)
	}

	st, _ := s.State(id)
	if st.Customer.Verified {
		t.Fatalf("verified must drop immediately on query change")
	}
	if len(st.Lines) != 0 {
		t.Fatalf("cart must be cleared on query change, got %d lines", len(st.Lines))
	}
	if st.Pending.ItemCode != "" || st.Pending.Snapshot != nil {
		t.Fatalf("pending line must be cleared on query change: %+v", st.Pending)
	}
}

func TestSubmit_ValidationOrder(t *testing.T) {
	b := &stubBackend{products: map[string]*model.ProductSnapshot{"SKU1": product("SKU1", 10, 500)}}
	s := newTestService(b, nil, nil)

	// Пустая сессия: первой должна сработать проверка имени.
	id := s.CreateSession()
	_, err := s.Submit(id, model.PaymentModeCash, "")
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "customer_name" {
		t.Fatalf("error = %v, want validation error on customer_name", err)
	}

	// Имя есть, ключа нет.
	if err := s.SetCustomer(id, str("A"), nil); err != nil {
		t.Fatalf("SetCustomer error: %v", err)
	}
	_, err = s.Submit(id, model.PaymentModeCash, "")
	if !errors.As(err, &vErr) || vErr.Field != "customer_query" {
		t.Fatalf("error = %v, want validation error on customer_query", err)
	}

	// Ключ есть, но подтверждения нет (короткий ключ не ищется).
	if err := s.SetCustomer(id, str("A"), str("900")); err != nil {
		t.Fatalf("SetCustomer error: %v", err)
	}
	_, err = s.Submit(id, model.PaymentModeCash, "")
	if !errors.As(err, &vErr) || vErr.Field != "customer" {
		t.Fatalf("error = %v, want validation error on customer", err)
	}

	// Подтверждённый покупатель, но способ оплаты не выбран.
	id = verifiedSession(t, s)
	_, err = s.Submit(id, "", "")
	if !errors.As(err, &vErr) || vErr.Field != "payment_mode" {
		t.Fatalf("error = %v, want validation error on payment_mode", err)
	}

	// Способ оплаты есть, корзина пуста.
	_, err = s.Submit(id, model.PaymentModeCash, "")
	if !errors.As(err, &vErr) || vErr.Field != "cart" {
		t.Fatalf("error = %v, want validation error on cart", err)
	}

	if b.stockOutCount() != 0 {
		t.Fatalf("no stock out calls expected before confirmation, got %d", b.stockOutCount())
	}
}

func TestConfirm_StaleTokenAfterMutation(t *testing.T) {
	b := &stubBackend{products: map[string]*model.ProductSnapshot{
		"SKU1": product("SKU1", 10, 500),
		"SKU2": product("SKU2", 10, 200),
	}}
	s := newTestService(b, nil, nil)

	id := verifiedSession(t, s)
	line := addItem(t, s, id, "SKU1", "3")

	conf, err := s.Submit(id, model.PaymentModeCash, "")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	// Правка корзины после выдачи токена делает его недействительным.
	if err := s.RemoveLine(id, line.ID); err != nil {
		t.Fatalf("RemoveLine error: %v", err)
	}

	_, err = s.Confirm(context.Background(), id, conf.Token, "7")
	if !errors.Is(err, ErrStaleConfirmation) {
		t.Fatalf("error = %v, want ErrStaleConfirmation", err)
	}

	if b.stockOutCount() != 0 {
		t.Fatalf("stale confirmation must not trigger stock out calls, got %d", b.stockOutCount())
	}
}

func TestConfirm_WrongToken(t *testing.T) {
	b := &stubBackend{products: map[string]*model.ProductSnapshot{"SKU1": product("SKU1", 10, 500)}}
	s := newTestService(b, nil, nil)

	id := verifiedSession(t, s)
	addItem(t, s, id, "SKU1", "3")

	if _, err := s.Submit(id, model.PaymentModeCash, ""); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	_, err := s.Confirm(context.Background(), id, "bogus", "7")
	if !errors.Is(err, ErrStaleConfirmation) {
		t.Fatalf("error = %v, want ErrStaleConfirmation", err)
	}
}

func TestConfirm_PartialFailureKeepsState(t *testing.T) {
	b := &stubBackend{
		products: map[string]*model.ProductSnapshot{
			"SKU1": product("SKU1", 10, 500),
			"SKU2": product("SKU2", 10, 200),
		},
		stockErr: map[string]error{
			"SKU2": errors.New("insufficient stock"),
		},
	}
	jrnl := &stubJournal{}
	notifier := &stubNotifier{ch: make(chan model.Completion, 1)}
	s := newTestService(b, jrnl, notifier)

	id := verifiedSession(t, s)
	addItem(t, s, id, "SKU1", "3")
	addItem(t, s, id, "SKU2", "2")

	conf, err := s.Submit(id, model.PaymentModeCash, "")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	_, err = s.Confirm(context.Background(), id, conf.Token, "7")
	if !errors.Is(err, ErrSubmitFailed) {
		t.Fatalf("error = %v, want ErrSubmitFailed", err)
	}

	// Оба запроса должны были уйти: барьер ждёт все, а не первый сбой.
	if b.stockOutCount() != 2 {
		t.Fatalf("stock out calls = %d, want 2", b.stockOutCount())
	}

	st, _ := s.State(id)
	if len(st.Lines) != 2 {
		t.Fatalf("cart must keep both lines after failure, got %d", len(st.Lines))
	}
	if !st.Customer.Verified {
		t.Fatalf("customer must stay verified after failure")
	}
	if st.Status != StatusIdle {
		t.Fatalf("status = %s, want IDLE for retry", st.Status)
	}
	if st.LastError == "" {
		t.Fatalf("aggregate error message must be surfaced")
	}

	jrnl.mu.Lock()
	batches := len(jrnl.batches)
	jrnl.mu.Unlock()
	if batches != 0 {
		t.Fatalf("failed submission must not be journaled")
	}

	select {
	case <-notifier.ch:
		t.Fatalf("failed submission must not publish completion")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConfirm_SentinelOperator(t *testing.T) {
	b := &stubBackend{products: map[string]*model.ProductSnapshot{"SKU1": product("SKU1", 10, 500)}}
	s := newTestService(b, nil, nil)

	id := verifiedSession(t, s)
	addItem(t, s, id, "SKU1", "1")

	conf, err := s.Submit(id, model.PaymentModeCash, "")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	if _, err := s.Confirm(context.Background(), id, conf.Token, ""); err != nil {
		t.Fatalf("Confirm error: %v", err)
	}

	if b.stockCalls[0].OperatorID != SentinelOperatorID {
		t.Fatalf("operator id = %q, want sentinel %q", b.stockCalls[0].OperatorID, SentinelOperatorID)
	}
}

func TestJournalFailureDoesNotFailSubmission(t *testing.T) {
	b := &stubBackend{products: map[string]*model.ProductSnapshot{"SKU1": product("SKU1", 10, 500)}}
	jrnl := &stubJournal{err: errors.New("db down")}
	s := newTestService(b, jrnl, nil)

	id := verifiedSession(t, s)
	addItem(t, s, id, "SKU1", "1")

	conf, err := s.Submit(id, model.PaymentModeCash, "")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	submitted, err := s.Confirm(context.Background(), id, conf.Token, "7")
	if err != nil {
		t.Fatalf("journal failure must not fail the submission, got %v", err)
	}
	if submitted != 1 {
		t.Fatalf("submitted = %d, want 1", submitted)
	}
}

func TestDeleteSession(t *testing.T) {
	b := &stubBackend{}
	s := newTestService(b, nil, nil)

	id := s.CreateSession()
	if err := s.DeleteSession(id); err != nil {
		t.Fatalf("DeleteSession error: %v", err)
	}

	if _, err := s.State(id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound", err)
	}

	if err := s.DeleteSession("not-a-uuid"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound", err)
	}
}

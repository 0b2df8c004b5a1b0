package relimq

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/coregx/relimq/model"
)

// fakeStore is an in-memory MessageStore mirroring the adapter semantics.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]model.DeliveryRecord

	insertErr error
	getErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]model.DeliveryRecord)}
}

func (s *fakeStore) get(id string) (model.DeliveryRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r, ok
}

func (s *fakeStore) put(r model.DeliveryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
}

func (s *fakeStore) Insert(_ context.Context, record model.DeliveryRecord) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return ErrDuplicate
	}
	s.records[record.ID] = record
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, messageID string) (model.DeliveryRecord, error) {
	if s.getErr != nil {
		return model.DeliveryRecord{}, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[messageID]
	if !ok {
		return model.DeliveryRecord{}, ErrNoData
	}
	return record, nil
}

func (s *fakeStore) UpdateSendSuccess(_ context.Context, messageID string, sendCount int) error {
	return s.mutate(messageID, func(r *model.DeliveryRecord) {
		r.SendCount += sendCount
		r.SendLastTime = sql.NullTime{Time: time.Now(), Valid: true}
	})
}

func (s *fakeStore) UpdateSendFail(_ context.Context, messageID string, sendCount int, errorMessage string) error {
	return s.mutate(messageID, func(r *model.DeliveryRecord) {
		r.SendStatus = model.SendStatusFailed
		r.SendCount += sendCount
		r.SendLastTime = sql.NullTime{Time: time.Now(), Valid: true}
		r.SendErrorMessage = sql.NullString{String: errorMessage, Valid: true}
	})
}

func (s *fakeStore) UpdateSendConfirmSuccess(_ context.Context, messageID string) error {
	return s.mutate(messageID, func(r *model.DeliveryRecord) {
		r.SendStatus = model.SendStatusSuccess
		r.ConfirmLastTime = sql.NullTime{Time: time.Now(), Valid: true}
		r.SendErrorMessage = sql.NullString{}
	})
}

func (s *fakeStore) UpdateSendConfirmFail(_ context.Context, messageID string, errorMessage string) error {
	return s.mutate(messageID, func(r *model.DeliveryRecord) {
		r.SendStatus = model.SendStatusFailed
		r.ConfirmLastTime = sql.NullTime{Time: time.Now(), Valid: true}
		r.SendErrorMessage = sql.NullString{String: errorMessage, Valid: true}
	})
}

func (s *fakeStore) LockConsume(_ context.Context, messageID string) error {
	return s.mutate(messageID, func(r *model.DeliveryRecord) {
		r.ConsumeStatus = model.ConsumeStatusConsuming
		r.ConsumeCount++
		r.ConsumeLastTime = sql.NullTime{Time: time.Now(), Valid: true}
	})
}

func (s *fakeStore) UpdateConsumeSuccess(_ context.Context, messageID string) error {
	return s.mutate(messageID, func(r *model.DeliveryRecord) {
		r.ConsumeStatus = model.ConsumeStatusSuccess
		r.ConsumeSuccessTime = sql.NullTime{Time: time.Now(), Valid: true}
		r.ConsumeErrorMessage = sql.NullString{}
	})
}

func (s *fakeStore) UpdateConsumeFail(_ context.Context, messageID string, errorMessage string) error {
	return s.mutate(messageID, func(r *model.DeliveryRecord) {
		r.ConsumeStatus = model.ConsumeStatusFailed
		r.ConsumeLastTime = sql.NullTime{Time: time.Now(), Valid: true}
		r.ConsumeErrorMessage = sql.NullString{String: errorMessage, Valid: true}
	})
}

func (s *fakeStore) DeleteByID(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[messageID]; !ok {
		return ErrNoData
	}
	delete(s.records, messageID)
	return nil
}

func (s *fakeStore) CountSendFailed(_ context.Context, window model.FailureWindow) (int64, error) {
	return int64(len(s.filterSendFailed(window))), nil
}

func (s *fakeStore) FindSendFailed(_ context.Context, window model.FailureWindow, page model.PageRequest) (model.RecordPage, error) {
	records := s.filterSendFailed(window)
	return model.RecordPage{Records: records, Total: int64(len(records)), Page: page.Page, PageSize: page.PageSize}, nil
}

func (s *fakeStore) CountConsumeFailed(_ context.Context, window model.FailureWindow) (int64, error) {
	return int64(len(s.filterConsumeFailed(window))), nil
}

func (s *fakeStore) FindConsumeFailed(_ context.Context, window model.FailureWindow, page model.PageRequest) (model.RecordPage, error) {
	records := s.filterConsumeFailed(window)
	return model.RecordPage{Records: records, Total: int64(len(records)), Page: page.Page, PageSize: page.PageSize}, nil
}

func (s *fakeStore) filterSendFailed(window model.FailureWindow) []model.DeliveryRecord {
	from, to := window.Bounds(time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DeliveryRecord
	for _, r := range s.records {
		if r.SavedBy == model.SavedBySender && r.SendStatus != model.SendStatusSuccess &&
			!r.CreatedAt.Before(from) && !r.CreatedAt.After(to) {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeStore) filterConsumeFailed(window model.FailureWindow) []model.DeliveryRecord {
	from, to := window.Bounds(time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DeliveryRecord
	for _, r := range s.records {
		if r.ConsumeStatus != model.ConsumeStatusSuccess &&
			!r.CreatedAt.Before(from) && !r.CreatedAt.After(to) {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeStore) mutate(messageID string, fn func(*model.DeliveryRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[messageID]
	if !ok {
		return ErrNoData
	}
	fn(&record)
	s.records[messageID] = record
	return nil
}

// publishedMessage captures one broker publish.
type publishedMessage struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	MessageID  string
}

// fakeBroker is an in-memory BrokerGateway.
type fakeBroker struct {
	mu        sync.Mutex
	published []publishedMessage
	failures  int // fail the first N publishes
	queue     []Delivery
	getErr    error
	acked     []uint64
	rejected  []uint64
	depth     int64
	purged    int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{depth: QueueDepthUnknown}
}

func (b *fakeBroker) Publish(_ context.Context, exchange, routingKey string, body []byte, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return NewError(ErrCodeBroker, "simulated publish failure")
	}
	b.published = append(b.published, publishedMessage{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Body:       body,
		MessageID:  messageID,
	})
	return nil
}

func (b *fakeBroker) Get(_ context.Context, _ string) (Delivery, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.getErr != nil {
		return Delivery{}, false, b.getErr
	}
	if len(b.queue) == 0 {
		return Delivery{}, false, nil
	}
	d := b.queue[0]
	b.queue = b.queue[1:]
	return d, true, nil
}

func (b *fakeBroker) Ack(deliveryTag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, deliveryTag)
	return nil
}

func (b *fakeBroker) Reject(deliveryTag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejected = append(b.rejected, deliveryTag)
	return nil
}

func (b *fakeBroker) QueueDepth(_ context.Context, _ string) (int64, error) {
	return b.depth, nil
}

func (b *fakeBroker) Purge(_ context.Context, _ string) (int, error) {
	return b.purged, nil
}

func (b *fakeBroker) publishCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

// fakeAcker records settlements for a single delivery path.
type fakeAcker struct {
	mu       sync.Mutex
	acked    []uint64
	rejected []uint64
}

func (a *fakeAcker) Ack(deliveryTag uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, deliveryTag)
	return nil
}

func (a *fakeAcker) Reject(deliveryTag uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected = append(a.rejected, deliveryTag)
	return nil
}

// fakeTx implements Tx over the shared fakeStore; commit() runs the hooks the
// way a real runner does after a successful database commit.
type fakeTx struct {
	store *fakeTxStore
	hooks []func()
}

func newFakeTx(store *fakeStore) *fakeTx {
	return &fakeTx{store: &fakeTxStore{store: store}}
}

func (t *fakeTx) Store() TxStore { return t.store }

func (t *fakeTx) AfterCommit(fn func()) { t.hooks = append(t.hooks, fn) }

func (t *fakeTx) commit() {
	for _, hook := range t.hooks {
		hook()
	}
}

type fakeTxStore struct {
	store *fakeStore
}

func (s *fakeTxStore) Insert(ctx context.Context, record model.DeliveryRecord) error {
	return s.store.Insert(ctx, record)
}

func (s *fakeTxStore) GetByID(ctx context.Context, messageID string) (model.DeliveryRecord, error) {
	return s.store.GetByID(ctx, messageID)
}

func (s *fakeTxStore) ResetConsumeStatus(_ context.Context, messageID string) error {
	return s.store.mutate(messageID, func(r *model.DeliveryRecord) {
		r.ConsumeStatus = model.ConsumeStatusUnconsumed
	})
}

// fakeTxRunner commits on nil return and fires hooks, mirroring the adapter.
type fakeTxRunner struct {
	store *fakeStore
}

func (r *fakeTxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := newFakeTx(r.store)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// reminderCall captures one reminder invocation.
type reminderCall struct {
	MessageID    string
	MessageBody  string
	ErrorMessage string
}

// fakeReminder records reminder invocations.
type fakeReminder struct {
	mu            sync.Mutex
	sendFailed    []reminderCall
	consumeFailed []reminderCall
}

func (f *fakeReminder) OnSendFailed(_ context.Context, messageID, messageBody, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendFailed = append(f.sendFailed, reminderCall{messageID, messageBody, errorMessage})
	return nil
}

func (f *fakeReminder) OnConsumeFailed(_ context.Context, messageID, messageBody, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumeFailed = append(f.consumeFailed, reminderCall{messageID, messageBody, errorMessage})
	return nil
}

// fakeClock serves a fixed instant.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

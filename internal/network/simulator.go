package network

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/isoflow/internal/runtime/ids"
	"github.com/drblury/isoflow/internal/runtime/logging"
)

// Simulator is an in-process settlement network. It confirms transactions
// immediately unless told otherwise and emits the same events a real network
// would, to local subscribers and optionally to a watermill topic.
type Simulator struct {
	now       func() time.Time
	fee       Fee
	publisher message.Publisher
	topic     string
	logger    logging.ServiceLogger

	mu          sync.Mutex
	seq         uint64
	block       uint64
	records     map[string]*simRecord
	submitErr   error
	confirmErr  error
	submissions []Submission
	listeners   map[int]func(Event)
	nextID      int
}

type simRecord struct {
	submission Submission
	status     string
	retries    int
	cancelled  bool
}

var _ Client = (*Simulator)(nil)

type SimulatorOption func(*Simulator)

// WithFee sets the quote returned by QuoteMessageFee.
func WithFee(fee Fee) SimulatorOption {
	return func(s *Simulator) { s.fee = fee }
}

// WithEventPublisher publishes every event as JSON to topic.
func WithEventPublisher(pub message.Publisher, topic string) SimulatorOption {
	return func(s *Simulator) {
		s.publisher = pub
		s.topic = topic
	}
}

func WithSimulatorClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) { s.now = now }
}

func WithSimulatorLogger(logger logging.ServiceLogger) SimulatorOption {
	return func(s *Simulator) { s.logger = logger }
}

func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		now:       func() time.Time { return time.Now().UTC() },
		fee:       Fee{BaseFee: 100, DeliveryFee: 25},
		block:     1000,
		records:   make(map[string]*simRecord),
		listeners: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).With(logging.LogFields{"component": "network_simulator"})
	return s
}

// FailNextSubmission makes the next SubmitMessage or RetryMessage call fail.
func (s *Simulator) FailNextSubmission(err error) {
	s.mu.Lock()
	s.submitErr = err
	s.mu.Unlock()
}

// FailConfirmations makes Wait fail with err until cleared with nil.
func (s *Simulator) FailConfirmations(err error) {
	s.mu.Lock()
	s.confirmErr = err
	s.mu.Unlock()
}

// Submissions returns every accepted submission in order.
func (s *Simulator) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

// Subscribe registers fn for every emitted event.
func (s *Simulator) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Simulator) SubmitMessage(ctx context.Context, sub Submission) (PendingTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeSubmitErr(); err != nil {
		return nil, err
	}
	s.seq++
	protocolID := fmt.Sprintf("0x%040x", s.seq)
	s.records[protocolID] = &simRecord{submission: sub, status: "submitted"}
	s.submissions = append(s.submissions, sub)
	return s.pending(protocolID, EventSubmissionInitiated), nil
}

func (s *Simulator) RetryMessage(ctx context.Context, protocolID string) (PendingTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[protocolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, protocolID)
	}
	if err := s.takeSubmitErr(); err != nil {
		return nil, err
	}
	rec.retries++
	rec.status = "submitted"
	return s.pending(protocolID, EventRetryInitiated), nil
}

func (s *Simulator) takeSubmitErr() error {
	err := s.submitErr
	s.submitErr = nil
	return err
}

func (s *Simulator) pending(protocolID string, kind EventType) *simTx {
	s.seq++
	return &simTx{sim: s, protocolID: protocolID, hash: fmt.Sprintf("0x%064x", s.seq), kind: kind}
}

func (s *Simulator) GetMessageResult(_ context.Context, protocolID string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[protocolID]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownMessage, protocolID)
	}
	return Result{Success: rec.status != "failed" && !rec.cancelled, Status: rec.status}, nil
}

func (s *Simulator) CancelMessage(_ context.Context, protocolID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[protocolID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownMessage, protocolID)
	}
	if rec.status == "completed" || rec.status == "settled" {
		return false, nil
	}
	rec.cancelled = true
	rec.status = "cancelled"
	return true, nil
}

func (s *Simulator) QuoteMessageFee(ctx context.Context, _ Submission) (Fee, error) {
	if err := ctx.Err(); err != nil {
		return Fee{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fee, nil
}

// Complete finishes processing of protocolID with the given protocol status
// and emits processing_completed.
func (s *Simulator) Complete(ctx context.Context, protocolID, status string) error {
	s.mu.Lock()
	rec, ok := s.records[protocolID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, protocolID)
	}
	rec.status = status
	s.block++
	ev := Event{
		ID:                ids.CreateULID(),
		Type:              EventProcessingCompleted,
		ProtocolMessageID: protocolID,
		BlockNumber:       s.block,
		Status:            status,
		Timestamp:         s.now(),
	}
	s.mu.Unlock()
	return s.emit(ctx, ev)
}

func (s *Simulator) emit(ctx context.Context, ev Event) error {
	s.mu.Lock()
	listeners := make([]func(Event), 0, len(s.listeners))
	for _, k := range slices.Sorted(maps.Keys(s.listeners)) {
		listeners = append(listeners, s.listeners[k])
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
	if s.publisher == nil {
		return nil
	}
	msg, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	msg.SetContext(ctx)
	if err := s.publisher.Publish(s.topic, msg); err != nil {
		s.logger.Error("Failed to publish network event", err, logging.LogFields{"event_type": ev.Type, "topic": s.topic})
		return fmt.Errorf("network: failed to publish %s event: %w", ev.Type, err)
	}
	return nil
}

type simTx struct {
	sim        *Simulator
	protocolID string
	hash       string
	kind       EventType
}

func (t *simTx) Hash() string              { return t.hash }
func (t *simTx) ProtocolMessageID() string { return t.protocolID }

// Wait confirms the transaction and emits the matching event.
func (t *simTx) Wait(ctx context.Context) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	s := t.sim
	s.mu.Lock()
	if s.confirmErr != nil {
		err := s.confirmErr
		s.records[t.protocolID].status = "failed"
		s.mu.Unlock()
		return Receipt{}, err
	}
	s.block++
	rec := s.records[t.protocolID]
	rec.status = "pending"
	receipt := Receipt{BlockNumber: s.block, BlockHash: fmt.Sprintf("0x%064x", s.block), GasUsed: 21000}
	ev := Event{
		ID:                ids.CreateULID(),
		Type:              t.kind,
		ProtocolMessageID: t.protocolID,
		TransactionHash:   t.hash,
		BlockNumber:       receipt.BlockNumber,
		BlockHash:         receipt.BlockHash,
		RetryCount:        rec.retries,
		Timestamp:         s.now(),
	}
	s.mu.Unlock()

	// Publish failures are logged by emit; the transaction itself is confirmed.
	_ = s.emit(ctx, ev)
	return receipt, nil
}

package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/drblury/isoflow/internal/message"
)

// MemoryStore keeps everything in process. It is safe for concurrent use and
// hands out copies, never its own records.
type MemoryStore struct {
	opts options

	mu              sync.RWMutex
	messages        map[string]*message.Message
	byProtocolID    map[string]string
	validations     map[string][]message.Validation
	transformations map[string][]message.Transformation
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:            newOptions(opts),
		messages:        make(map[string]*message.Message),
		byProtocolID:    make(map[string]string),
		validations:     make(map[string][]message.Validation),
		transformations: make(map[string][]message.Transformation),
	}
}

func (s *MemoryStore) Insert(_ context.Context, msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, msg.ID)
	}
	if err := s.checkProtocolID(msg); err != nil {
		return err
	}
	msg.BeforeInsert(s.opts.now())
	s.put(msg)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.messages[msg.ID]
	if !ok {
		return fmt.Errorf("%w: message %s", ErrNotFound, msg.ID)
	}
	if err := s.checkProtocolID(msg); err != nil {
		return err
	}
	if current.ProtocolMessageID != "" && current.ProtocolMessageID != msg.ProtocolMessageID {
		delete(s.byProtocolID, current.ProtocolMessageID)
	}
	msg.BeforeUpdate(s.opts.now())
	s.put(msg)
	return nil
}

func (s *MemoryStore) checkProtocolID(msg *message.Message) error {
	if msg.ProtocolMessageID == "" {
		return nil
	}
	if owner, ok := s.byProtocolID[msg.ProtocolMessageID]; ok && owner != msg.ID {
		return fmt.Errorf("%w: %s", ErrDuplicateProtocolID, msg.ProtocolMessageID)
	}
	return nil
}

func (s *MemoryStore) put(msg *message.Message) {
	s.messages[msg.ID] = msg.Clone()
	if msg.ProtocolMessageID != "" {
		s.byProtocolID[msg.ProtocolMessageID] = msg.ID
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	return msg.Clone(), nil
}

func (s *MemoryStore) FindByProtocolID(_ context.Context, protocolID string) (*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byProtocolID[protocolID]
	if !ok {
		return nil, fmt.Errorf("%w: protocol message %s", ErrNotFound, protocolID)
	}
	return s.messages[id].Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*message.Message, error) {
	s.mu.RLock()
	matches := make([]*message.Message, 0, len(s.messages))
	for _, msg := range s.messages {
		if msg.IsDeleted() && !opts.IncludeDeleted {
			continue
		}
		if opts.Status != "" && msg.Status != opts.Status {
			continue
		}
		if opts.InstitutionID != "" && msg.InstitutionID != opts.InstitutionID {
			continue
		}
		matches = append(matches, msg.Clone())
	}
	s.mu.RUnlock()

	orderBy := opts.orderBy()
	slices.SortFunc(matches, func(a, b *message.Message) int {
		at, bt := a.CreatedAt, b.CreatedAt
		if orderBy == OrderByUpdatedAt {
			at, bt = a.UpdatedAt, b.UpdatedAt
		}
		c := at.Compare(bt)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if opts.Descending {
			return -c
		}
		return c
	})
	return paginate(matches, opts.Skip, opts.Take), nil
}

func paginate[E any](items []E, skip, take int) []E {
	if skip >= len(items) {
		return []E{}
	}
	items = items[max(skip, 0):]
	if take > 0 && take < len(items) {
		items = items[:take]
	}
	return items
}

func (s *MemoryStore) SoftDelete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	if msg.IsDeleted() {
		return nil
	}
	now := s.opts.now()
	msg.SoftDelete(now)
	msg.BeforeUpdate(now)
	return nil
}

func (s *MemoryStore) SaveValidation(_ context.Context, v message.Validation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.Issues = slices.Clone(v.Issues)
	s.validations[v.MessageID] = append(s.validations[v.MessageID], v)
	return nil
}

func (s *MemoryStore) ListValidations(_ context.Context, messageID string) ([]message.Validation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.validations[messageID])
	for i := range out {
		out[i].Issues = slices.Clone(out[i].Issues)
	}
	return out, nil
}

func (s *MemoryStore) SaveTransformation(_ context.Context, t message.Transformation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Output = slices.Clone(t.Output)
	s.transformations[t.MessageID] = append(s.transformations[t.MessageID], t)
	return nil
}

func (s *MemoryStore) ListTransformations(_ context.Context, messageID string) ([]message.Transformation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.transformations[messageID])
	for i := range out {
		out[i].Output = slices.Clone(out[i].Output)
	}
	return out, nil
}

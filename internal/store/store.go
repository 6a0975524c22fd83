// Package store persists messages and their validation and transformation
// records. Messages are never removed, only soft deleted.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/drblury/isoflow/internal/message"
)

var (
	ErrNotFound            = errors.New("store: not found")
	ErrDuplicateProtocolID = errors.New("store: protocol message id already assigned to another message")
	ErrAlreadyExists       = errors.New("store: message already exists")
)

// MessageRepository is the message CRUD surface. Insert and Update run the
// message hooks, so the caller's copy reflects the persisted version.
// There is no optimistic locking: the last Update wins.
type MessageRepository interface {
	Insert(ctx context.Context, msg *message.Message) error
	Update(ctx context.Context, msg *message.Message) error
	Get(ctx context.Context, id string) (*message.Message, error)
	FindByProtocolID(ctx context.Context, protocolID string) (*message.Message, error)
	List(ctx context.Context, opts ListOptions) ([]*message.Message, error)
	SoftDelete(ctx context.Context, id string) error
}

// ValidationRepository appends immutable validation records.
type ValidationRepository interface {
	SaveValidation(ctx context.Context, v message.Validation) error
	ListValidations(ctx context.Context, messageID string) ([]message.Validation, error)
}

// TransformationRepository appends immutable transformation records.
type TransformationRepository interface {
	SaveTransformation(ctx context.Context, t message.Transformation) error
	ListTransformations(ctx context.Context, messageID string) ([]message.Transformation, error)
}

// Store combines every repository.
type Store interface {
	MessageRepository
	ValidationRepository
	TransformationRepository
}

// OrderBy selects the List sort column.
type OrderBy string

const (
	OrderByCreatedAt OrderBy = "created_at"
	OrderByUpdatedAt OrderBy = "updated_at"
)

// ListOptions filters and paginates List. A zero Take returns every match.
type ListOptions struct {
	Skip           int
	Take           int
	Status         message.Status
	InstitutionID  string
	OrderBy        OrderBy
	Descending     bool
	IncludeDeleted bool
}

func (o ListOptions) orderBy() OrderBy {
	if o.OrderBy == OrderByUpdatedAt {
		return OrderByUpdatedAt
	}
	return OrderByCreatedAt
}

// Option customises a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for hook timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func newOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Package network describes the settlement network the orchestrator submits
// to, the events it emits, and the wrappers used around it.
package network

import (
	"context"
	"errors"
	"time"

	"github.com/drblury/isoflow/internal/message"
)

var (
	ErrUnknownMessage = errors.New("network: unknown protocol message")
	ErrCircuitOpen    = errors.New("network: circuit breaker open")
)

// Submission is the protocol ready form of a message.
type Submission struct {
	MessageID      string                 `json:"message_id"`
	MessageType    message.Type           `json:"message_type"`
	SubmissionType message.SubmissionType `json:"submission_type"`
	TargetChain    string                 `json:"target_chain"`
	Payload        []byte                 `json:"payload"`
}

// Fee is a quote in the network's smallest unit.
type Fee struct {
	BaseFee     int64 `json:"base_fee"`
	DeliveryFee int64 `json:"delivery_fee"`
}

func (f Fee) Total() int64 {
	return f.BaseFee + f.DeliveryFee
}

// Receipt is the confirmation of a transaction.
type Receipt struct {
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	GasUsed     uint64 `json:"gas_used"`
}

// PendingTransaction is a submitted transaction awaiting confirmation.
type PendingTransaction interface {
	Hash() string
	ProtocolMessageID() string
	Wait(ctx context.Context) (Receipt, error)
}

// Result is the network's view of a message.
type Result struct {
	Success bool   `json:"success"`
	Status  string `json:"result"`
	Error   string `json:"error,omitempty"`
}

// Client is the remote settlement network.
type Client interface {
	SubmitMessage(ctx context.Context, sub Submission) (PendingTransaction, error)
	RetryMessage(ctx context.Context, protocolID string) (PendingTransaction, error)
	GetMessageResult(ctx context.Context, protocolID string) (Result, error)
	CancelMessage(ctx context.Context, protocolID string) (bool, error)
	QuoteMessageFee(ctx context.Context, sub Submission) (Fee, error)
}

// EventType names an asynchronous network event.
type EventType string

const (
	EventSubmissionInitiated EventType = "submission_initiated"
	EventProcessingCompleted EventType = "processing_completed"
	EventRetryInitiated      EventType = "retry_initiated"
)

func (t EventType) IsKnown() bool {
	switch t {
	case EventSubmissionInitiated, EventProcessingCompleted, EventRetryInitiated:
		return true
	}
	return false
}

// Event is the envelope published by the network for every state change.
type Event struct {
	ID                string         `json:"id"`
	Type              EventType      `json:"type"`
	ProtocolMessageID string         `json:"protocol_message_id"`
	TransactionHash   string         `json:"transaction_hash,omitempty"`
	BlockNumber       uint64         `json:"block_number,omitempty"`
	BlockHash         string         `json:"block_hash,omitempty"`
	Status            string         `json:"status,omitempty"`
	RetryCount        int            `json:"retry_count,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
	Details           map[string]any `json:"details,omitempty"`
}

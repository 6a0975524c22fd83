package message

import (
	"maps"
	"slices"
	"time"
)

// StepStatus is the outcome recorded on a processing step.
type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// ProcessingStep is one audit log entry. Entries are never changed once
// appended.
type ProcessingStep struct {
	Step      string         `json:"step"`
	Status    StepStatus     `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// ProcessingMetadata carries the audit log and network bookkeeping of a
// message.
type ProcessingMetadata struct {
	ProcessingSteps []ProcessingStep `json:"processing_steps"`
	BlockNumber     uint64           `json:"block_number,omitempty"`
	BlockHash       string           `json:"block_hash,omitempty"`
	GasUsed         uint64           `json:"gas_used,omitempty"`
	ProtocolStatus  string           `json:"protocol_status,omitempty"`
	LastError       string           `json:"last_error,omitempty"`
}

// Details are the business fields extracted from the message XML.
type Details struct {
	MessageID            string    `json:"message_id"`
	CreationTime         time.Time `json:"creation_time,omitzero"`
	NumberOfTransactions int       `json:"number_of_transactions,omitempty"`
	Amount               string    `json:"amount,omitempty"`
	Currency             string    `json:"currency,omitempty"`
	DebtorAgentBIC       string    `json:"debtor_agent_bic,omitempty"`
	CreditorAgentBIC     string    `json:"creditor_agent_bic,omitempty"`
	SettlementMethod     string    `json:"settlement_method,omitempty"`
	OriginalMessageID    string    `json:"original_message_id,omitempty"`
}

// Message is one financial message from creation through settlement or
// failure.
type Message struct {
	ID                 string              `json:"id"`
	InstitutionID      string              `json:"institution_id"`
	CreatedBy          string              `json:"created_by,omitempty"`
	DraftID            string              `json:"draft_id,omitempty"`
	Type               Type                `json:"message_type"`
	SubmissionType     SubmissionType      `json:"protocol_submission_type,omitempty"`
	Status             Status              `json:"status"`
	OriginalXML        string              `json:"original_xml"`
	ParsedData         map[string]string   `json:"parsed_data,omitempty"`
	Details            Details             `json:"details"`
	TargetChain        string              `json:"target_chain,omitempty"`
	ProtocolMessageID  string              `json:"protocol_message_id,omitempty"`
	TransactionHash    string              `json:"transaction_hash,omitempty"`
	RetryCount         int                 `json:"retry_count"`
	ErrorMessage       string              `json:"error_message,omitempty"`
	ProcessingMetadata *ProcessingMetadata `json:"processing_metadata,omitempty"`
	Version            int                 `json:"version"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	DeletedAt          *time.Time          `json:"deleted_at,omitempty"`
}

// New creates a message in DRAFT.
func New(id, institutionID string, t Type, xml string) *Message {
	return &Message{
		ID:             id,
		InstitutionID:  institutionID,
		Type:           t,
		SubmissionType: t.SubmissionType(),
		Status:         StatusDraft,
		OriginalXML:    xml,
	}
}

// TransitionTo moves the message along the lifecycle, refusing moves the
// lifecycle does not allow.
func (m *Message) TransitionTo(to Status) error {
	if !CanTransition(m.Status, to) {
		return transitionError(m.Status, to)
	}
	m.Status = to
	return nil
}

// SetStatus assigns the status without checking the lifecycle. It is used
// when mirroring state reported by the settlement network.
func (m *Message) SetStatus(s Status) {
	m.Status = s
}

// CanSubmitToProtocol is true only for a validated message with a submission
// type that has not been submitted yet.
func (m *Message) CanSubmitToProtocol() bool {
	return m.Status == StatusValidated && m.SubmissionType != "" && m.ProtocolMessageID == ""
}

func (m *Message) RequiresSettlement() bool {
	return m.Type.RequiresSettlement()
}

// BeforeInsert stamps a new record. The version is set to 1 only when the
// caller has not assigned one.
func (m *Message) BeforeInsert(now time.Time) {
	if m.Version == 0 {
		m.Version = 1
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}

// BeforeUpdate increments the version by exactly one.
func (m *Message) BeforeUpdate(now time.Time) {
	m.Version++
	m.UpdatedAt = now
}

// AddProcessingStep appends an entry to the audit log stamped with at.
func (m *Message) AddProcessingStep(step string, status StepStatus, details map[string]any, at time.Time) {
	if m.ProcessingMetadata == nil {
		m.ProcessingMetadata = &ProcessingMetadata{}
	}
	m.ProcessingMetadata.ProcessingSteps = append(m.ProcessingMetadata.ProcessingSteps, ProcessingStep{
		Step:      step,
		Status:    status,
		Timestamp: at.UTC(),
		Details:   maps.Clone(details),
	})
}

// CurrentProcessingStep returns the name of the most recent step.
func (m *Message) CurrentProcessingStep() (string, bool) {
	steps := m.ProcessingSteps()
	if len(steps) == 0 {
		return "", false
	}
	return steps[len(steps)-1].Step, true
}

// ProcessingSteps returns the audit log, oldest first.
func (m *Message) ProcessingSteps() []ProcessingStep {
	if m.ProcessingMetadata == nil {
		return nil
	}
	return m.ProcessingMetadata.ProcessingSteps
}

// Metadata returns the processing metadata, creating it when absent.
func (m *Message) Metadata() *ProcessingMetadata {
	if m.ProcessingMetadata == nil {
		m.ProcessingMetadata = &ProcessingMetadata{}
	}
	return m.ProcessingMetadata
}

// SoftDelete marks the message deleted. Messages are never removed.
func (m *Message) SoftDelete(now time.Time) {
	if m.DeletedAt == nil {
		m.DeletedAt = &now
	}
}

func (m *Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.ParsedData = maps.Clone(m.ParsedData)
	if m.DeletedAt != nil {
		deleted := *m.DeletedAt
		out.DeletedAt = &deleted
	}
	if m.ProcessingMetadata != nil {
		meta := *m.ProcessingMetadata
		meta.ProcessingSteps = slices.Clone(m.ProcessingMetadata.ProcessingSteps)
		for i := range meta.ProcessingSteps {
			meta.ProcessingSteps[i].Details = maps.Clone(meta.ProcessingSteps[i].Details)
		}
		out.ProcessingMetadata = &meta
	}
	return &out
}

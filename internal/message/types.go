package message

// Type is the ISO 20022 message definition family, e.g. "pacs.008".
type Type string

const (
	TypePacs008 Type = "pacs.008"
	TypePacs009 Type = "pacs.009"
	TypePain001 Type = "pain.001"
	TypeCamt056 Type = "camt.056"
	TypeCamt029 Type = "camt.029"
)

// SubmissionType names the settlement network operation a message maps to.
type SubmissionType string

const (
	SubmissionCustomerCreditTransfer SubmissionType = "customer_credit_transfer"
	SubmissionFICreditTransfer       SubmissionType = "fi_credit_transfer"
	SubmissionPaymentInitiation      SubmissionType = "payment_initiation"
	SubmissionCancellationRequest    SubmissionType = "cancellation_request"
	SubmissionInvestigationResponse  SubmissionType = "investigation_response"
)

var typeInfo = map[Type]struct {
	submission SubmissionType
	settles    bool
	root       string
}{
	TypePacs008: {SubmissionCustomerCreditTransfer, true, "FIToFICstmrCdtTrf"},
	TypePacs009: {SubmissionFICreditTransfer, true, "FICdtTrf"},
	TypePain001: {SubmissionPaymentInitiation, true, "CstmrCdtTrfInitn"},
	TypeCamt056: {SubmissionCancellationRequest, false, "FIToFIPmtCxlReq"},
	TypeCamt029: {SubmissionInvestigationResponse, false, "RsltnOfInvstgtn"},
}

// Types lists the supported message types.
func Types() []Type {
	return []Type{TypePacs008, TypePacs009, TypePain001, TypeCamt056, TypeCamt029}
}

func (t Type) IsSupported() bool {
	_, ok := typeInfo[t]
	return ok
}

// SubmissionType returns the network operation for t, or "" when t is unknown.
func (t Type) SubmissionType() SubmissionType {
	return typeInfo[t].submission
}

// RequiresSettlement is true for credit transfers and false for
// cancellation and investigation messages.
func (t Type) RequiresSettlement() bool {
	return typeInfo[t].settles
}

// RootElement is the name of the element nested directly under Document.
func (t Type) RootElement() string {
	return typeInfo[t].root
}

package validation

import (
	"cmp"
	"fmt"
	"maps"
	"math/big"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/drblury/isoflow/internal/message"
)

// Issue codes reported by the built-in stages.
const (
	CodeMissingField        = "MISSING_FIELD"
	CodeFieldTooLong        = "FIELD_TOO_LONG"
	CodeInvalidAmount       = "INVALID_AMOUNT"
	CodeInvalidCurrency     = "INVALID_CURRENCY"
	CodeInvalidBIC          = "INVALID_BIC"
	CodeInvalidTransactions = "INVALID_TRANSACTION_COUNT"
	CodeFutureCreationTime  = "FUTURE_CREATION_TIME"
	CodeSameAgents          = "SAME_AGENTS"
	CodeMissingSubmission   = "MISSING_SUBMISSION_TYPE"
	CodeMissingOriginal     = "MISSING_ORIGINAL_MESSAGE"
	CodeAmountPrecision     = "AMOUNT_PRECISION"
	CodeSettlementMethod    = "INVALID_SETTLEMENT_METHOD"
	CodeMissingAgent        = "MISSING_AGENT"
)

var (
	bicPattern      = regexp.MustCompile(`^[A-Z]{4}[A-Z]{2}[A-Z0-9]{2}([A-Z0-9]{3})?$`)
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

	settlementMethods = map[string]bool{"INDA": true, "INGA": true, "COVE": true, "CLRG": true}
)

// maxAmountDecimals is the precision the settlement network accepts.
const maxAmountDecimals = 5

// clockSkew tolerates creation times slightly ahead of the local clock.
const clockSkew = 5 * time.Minute

func checkSchema(msg *message.Message, schema Schema) []message.Issue {
	var issues []message.Issue
	for _, field := range schema.Required {
		if strings.TrimSpace(msg.ParsedData[field]) == "" {
			issues = append(issues, message.Issue{Code: CodeMissingField, Message: field + " is required", Field: field})
		}
	}
	for _, field := range sortedKeys(schema.MaxLength) {
		limit := schema.MaxLength[field]
		if v := msg.ParsedData[field]; len(v) > limit {
			issues = append(issues, message.Issue{Code: CodeFieldTooLong, Message: fmt.Sprintf("%s exceeds %d characters", field, limit), Field: field})
		}
	}
	return issues
}

func checkBusinessRules(msg *message.Message, now time.Time) []message.Issue {
	var issues []message.Issue
	d := msg.Details

	if msg.RequiresSettlement() {
		if d.NumberOfTransactions < 1 {
			issues = append(issues, message.Issue{Code: CodeInvalidTransactions, Message: "at least one transaction is required", Field: "GrpHdr/NbOfTxs"})
		}
		if amount, ok := parseAmount(d.Amount); !ok || amount.Sign() <= 0 {
			issues = append(issues, message.Issue{Code: CodeInvalidAmount, Message: fmt.Sprintf("amount %q must be a positive decimal", d.Amount), Field: "Amount"})
		}
	}
	if d.Currency != "" && !currencyPattern.MatchString(d.Currency) {
		issues = append(issues, message.Issue{Code: CodeInvalidCurrency, Message: fmt.Sprintf("currency %q is not an ISO 4217 code", d.Currency), Field: "Ccy"})
	}
	for field, bic := range map[string]string{"DbtrAgt": d.DebtorAgentBIC, "CdtrAgt": d.CreditorAgentBIC} {
		if bic != "" && !bicPattern.MatchString(bic) {
			issues = append(issues, message.Issue{Code: CodeInvalidBIC, Message: fmt.Sprintf("%s BIC %q is malformed", field, bic), Field: field})
		}
	}
	if d.DebtorAgentBIC != "" && d.DebtorAgentBIC == d.CreditorAgentBIC {
		issues = append(issues, message.Issue{Code: CodeSameAgents, Message: "debtor and creditor agent must differ", Field: "CdtrAgt"})
	}
	if !d.CreationTime.IsZero() && d.CreationTime.After(now.Add(clockSkew)) {
		issues = append(issues, message.Issue{Code: CodeFutureCreationTime, Message: "creation time is in the future", Field: "CreDtTm"})
	}
	sortIssues(issues)
	return issues
}

func checkProtocolRequirements(msg *message.Message) []message.Issue {
	var issues []message.Issue
	if msg.SubmissionType == "" {
		issues = append(issues, message.Issue{Code: CodeMissingSubmission, Message: fmt.Sprintf("message type %s has no protocol submission type", msg.Type)})
	}
	if msg.Type == message.TypeCamt056 && msg.Details.OriginalMessageID == "" {
		issues = append(issues, message.Issue{Code: CodeMissingOriginal, Message: "cancellation must reference the original message", Field: "OrgnlMsgId"})
	}
	if d := msg.Details.Amount; d != "" {
		if _, frac, found := strings.Cut(d, "."); found && len(frac) > maxAmountDecimals {
			issues = append(issues, message.Issue{Code: CodeAmountPrecision, Message: fmt.Sprintf("amount supports at most %d decimals", maxAmountDecimals), Field: "Amount"})
		}
	}
	return issues
}

func checkSettlement(msg *message.Message) []message.Issue {
	var issues []message.Issue
	d := msg.Details
	if d.SettlementMethod != "" && !settlementMethods[d.SettlementMethod] {
		issues = append(issues, message.Issue{Code: CodeSettlementMethod, Message: fmt.Sprintf("settlement method %q is not supported", d.SettlementMethod), Field: "SttlmMtd"})
	}
	if d.DebtorAgentBIC == "" {
		issues = append(issues, message.Issue{Code: CodeMissingAgent, Message: "debtor agent is required for settlement", Field: "DbtrAgt"})
	}
	if msg.Type != message.TypePain001 && d.CreditorAgentBIC == "" {
		issues = append(issues, message.Issue{Code: CodeMissingAgent, Message: "creditor agent is required for settlement", Field: "CdtrAgt"})
	}
	return issues
}

func parseAmount(s string) (*big.Rat, bool) {
	if s == "" {
		return nil, false
	}
	r, ok := new(big.Rat).SetString(s)
	return r, ok
}

func sortedKeys(m map[string]int) []string {
	return slices.Sorted(maps.Keys(m))
}

func sortIssues(issues []message.Issue) {
	slices.SortStableFunc(issues, func(a, b message.Issue) int {
		return cmp.Or(cmp.Compare(a.Field, b.Field), cmp.Compare(a.Code, b.Code))
	})
}

// Package iso20022 turns raw ISO 20022 XML into the fields the pipeline
// validates and submits. It does not validate against XSD schemas.
package iso20022

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/drblury/isoflow/internal/message"
)

const (
	namespacePrefix = "urn:iso:std:iso:20022:tech:xsd:"

	// DefaultMaxBytes bounds accepted input.
	DefaultMaxBytes = 1 << 20
)

// ParsedMessage is the result of a successful Parse.
type ParsedMessage struct {
	Type           message.Type
	SubmissionType message.SubmissionType
	Namespace      string
	// Variant is the version suffix of the namespace, e.g. "001.08".
	Variant     string
	OriginalXML string
	// Fields maps slash separated element paths below the message root to
	// their text. Attributes are keyed as path@Name. The first occurrence of
	// a repeated path wins.
	Fields  map[string]string
	Details message.Details
}

// Field returns the value stored under path.
func (p *ParsedMessage) Field(path string) (string, bool) {
	v, ok := p.Fields[path]
	return v, ok
}

// NewMessage creates a DRAFT message carrying the parsed content.
func (p *ParsedMessage) NewMessage(id, institutionID string) *message.Message {
	msg := message.New(id, institutionID, p.Type, p.OriginalXML)
	msg.SubmissionType = p.SubmissionType
	msg.ParsedData = maps.Clone(p.Fields)
	msg.Details = p.Details
	return msg
}

// Parser decodes supported ISO 20022 documents.
type Parser struct {
	maxBytes  int
	supported map[message.Type]bool
}

type ParserOption func(*Parser)

// WithMaxBytes overrides DefaultMaxBytes.
func WithMaxBytes(n int) ParserOption {
	return func(p *Parser) { p.maxBytes = n }
}

// WithSupportedTypes restricts the accepted message types.
func WithSupportedTypes(types ...message.Type) ParserOption {
	return func(p *Parser) {
		p.supported = make(map[message.Type]bool, len(types))
		for _, t := range types {
			p.supported[t] = true
		}
	}
}

func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{maxBytes: DefaultMaxBytes}
	WithSupportedTypes(message.Types()...)(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse decodes raw. Every rejection is a *ValidationError.
func (p *Parser) Parse(raw string) (*ParsedMessage, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, invalid(CodeEmptyMessage, "message is empty")
	}
	if p.maxBytes > 0 && len(raw) > p.maxBytes {
		return nil, invalid(CodeMessageTooLarge, fmt.Sprintf("message is %d bytes, limit is %d", len(raw), p.maxBytes))
	}

	doc, err := decode(raw)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return nil, verr
		}
		return nil, invalid(CodeMalformedXML, err.Error())
	}

	msgType, variant, ok := typeFromNamespace(doc.namespace)
	if !ok {
		return nil, invalid(CodeUnsupportedNamespace, fmt.Sprintf("namespace %q is not an ISO 20022 message namespace", doc.namespace))
	}
	if !p.supported[msgType] {
		return nil, invalid(CodeUnsupportedMessageType, fmt.Sprintf("message type %s is not supported", msgType))
	}

	var issues []message.Issue
	if doc.root != msgType.RootElement() {
		issues = append(issues, message.Issue{
			Code:    CodeSchemaMismatch,
			Message: fmt.Sprintf("%s documents must contain %s, found %q", msgType, msgType.RootElement(), doc.root),
			Field:   "Document",
		})
	}

	details, detailIssues := extractDetails(doc.fields)
	issues = append(issues, detailIssues...)
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	return &ParsedMessage{
		Type:           msgType,
		SubmissionType: msgType.SubmissionType(),
		Namespace:      doc.namespace,
		Variant:        variant,
		OriginalXML:    raw,
		Fields:         doc.fields,
		Details:        details,
	}, nil
}

type document struct {
	namespace string
	root      string
	fields    map[string]string
}

func decode(raw string) (*document, error) {
	dec := xml.NewDecoder(strings.NewReader(raw))
	doc := &document{fields: make(map[string]string)}

	var (
		path     []string
		text     bytes.Buffer
		children []int
		seenRoot bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if !seenRoot {
				if t.Name.Local != "Document" {
					return nil, invalid(CodeMissingDocument, fmt.Sprintf("root element is %q, expected Document", t.Name.Local))
				}
				doc.namespace = t.Name.Space
				seenRoot = true
				children = append(children, 0)
				continue
			}
			if len(children) > 0 {
				children[len(children)-1]++
			}
			if doc.root == "" && len(path) == 0 {
				doc.root = t.Name.Local
				children = append(children, 0)
				path = append(path, "")
				continue
			}
			path = append(path, t.Name.Local)
			children = append(children, 0)
			text.Reset()
			key := strings.Join(path[1:], "/")
			for _, attr := range t.Attr {
				if attr.Name.Space == "xmlns" || attr.Name.Local == "xmlns" {
					continue
				}
				setOnce(doc.fields, key+"@"+attr.Name.Local, attr.Value)
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			leaf := len(children) > 0 && children[len(children)-1] == 0
			if len(children) > 0 {
				children = children[:len(children)-1]
			}
			if len(path) == 0 {
				continue
			}
			if leaf && len(path) > 1 {
				setOnce(doc.fields, strings.Join(path[1:], "/"), strings.TrimSpace(text.String()))
			}
			path = path[:len(path)-1]
			text.Reset()
		}
	}
	if !seenRoot {
		return nil, invalid(CodeMissingDocument, "no Document element found")
	}
	return doc, nil
}

func setOnce(fields map[string]string, key, value string) {
	if _, exists := fields[key]; !exists {
		fields[key] = value
	}
}

// typeFromNamespace maps urn:iso:std:iso:20022:tech:xsd:pacs.008.001.08 to
// pacs.008 and variant 001.08.
func typeFromNamespace(ns string) (message.Type, string, bool) {
	rest, ok := strings.CutPrefix(ns, namespacePrefix)
	if !ok {
		return "", "", false
	}
	parts := strings.Split(rest, ".")
	if len(parts) != 4 {
		return "", "", false
	}
	for _, part := range parts[1:] {
		if _, err := strconv.Atoi(part); err != nil {
			return "", "", false
		}
	}
	return message.Type(parts[0] + "." + parts[1]), parts[2] + "." + parts[3], true
}

var (
	messageIDPaths = []string{"GrpHdr/MsgId", "Assgnmt/Id"}
	amountPaths    = []string{
		"GrpHdr/TtlIntrBkSttlmAmt",
		"CdtTrfTxInf/IntrBkSttlmAmt",
		"PmtInf/CdtTrfTxInf/Amt/InstdAmt",
		"Undrlyg/TxInf/OrgnlIntrBkSttlmAmt",
	}
	creationTimeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"}
)

func extractDetails(fields map[string]string) (message.Details, []message.Issue) {
	var (
		d      message.Details
		issues []message.Issue
	)

	d.MessageID = first(fields, messageIDPaths...)
	if d.MessageID == "" {
		issues = append(issues, message.Issue{Code: CodeMissingMessageID, Message: "message identification is missing", Field: messageIDPaths[0]})
	}

	if raw := first(fields, "GrpHdr/CreDtTm", "Assgnmt/CreDtTm"); raw != "" {
		for _, layout := range creationTimeLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				d.CreationTime = ts.UTC()
				break
			}
		}
		if d.CreationTime.IsZero() {
			issues = append(issues, message.Issue{Code: CodeSchemaMismatch, Message: fmt.Sprintf("creation time %q is not an ISO date time", raw), Field: "GrpHdr/CreDtTm"})
		}
	}

	if raw := fields["GrpHdr/NbOfTxs"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			issues = append(issues, message.Issue{Code: CodeSchemaMismatch, Message: fmt.Sprintf("number of transactions %q is not a count", raw), Field: "GrpHdr/NbOfTxs"})
		} else {
			d.NumberOfTransactions = n
		}
	}

	for _, path := range amountPaths {
		if v, ok := fields[path]; ok {
			d.Amount = v
			d.Currency = fields[path+"@Ccy"]
			break
		}
	}
	if d.Amount == "" {
		d.Amount = fields["GrpHdr/CtrlSum"]
	}

	d.DebtorAgentBIC = suffixed(fields, "DbtrAgt/FinInstnId/BICFI", "DbtrAgt/FinInstnId/BIC")
	d.CreditorAgentBIC = suffixed(fields, "CdtrAgt/FinInstnId/BICFI", "CdtrAgt/FinInstnId/BIC")
	d.SettlementMethod = fields["GrpHdr/SttlmInf/SttlmMtd"]
	d.OriginalMessageID = suffixed(fields, "OrgnlMsgId")
	return d, issues
}

func first(fields map[string]string, paths ...string) string {
	for _, path := range paths {
		if v := fields[path]; v != "" {
			return v
		}
	}
	return ""
}

// suffixed finds the shallowest field whose path ends with one of suffixes.
func suffixed(fields map[string]string, suffixes ...string) string {
	best, bestDepth := "", -1
	for key := range fields {
		for _, suffix := range suffixes {
			if key != suffix && !strings.HasSuffix(key, "/"+suffix) {
				continue
			}
			depth := strings.Count(key, "/")
			if bestDepth == -1 || depth < bestDepth || (depth == bestDepth && key < best) {
				best, bestDepth = key, depth
			}
		}
	}
	if bestDepth == -1 {
		return ""
	}
	return fields[best]
}

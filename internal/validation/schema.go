package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/isoflow/internal/cache"
	"github.com/drblury/isoflow/internal/message"
	"github.com/drblury/isoflow/internal/runtime/logging"
)

// Schema lists the structural requirements checked by the schema stage.
type Schema struct {
	Type message.Type `json:"type"`
	// Required holds field paths that must be present and non-empty.
	Required []string `json:"required"`
	// MaxLength bounds the length of individual fields.
	MaxLength map[string]int `json:"max_length,omitempty"`
}

// SchemaProvider loads the schema for a message type. Failures are
// infrastructure faults, not validation findings.
type SchemaProvider interface {
	Schema(ctx context.Context, t message.Type) (Schema, error)
}

// StaticSchemas serves schemas from memory.
type StaticSchemas map[message.Type]Schema

func (s StaticSchemas) Schema(_ context.Context, t message.Type) (Schema, error) {
	schema, ok := s[t]
	if !ok {
		return Schema{}, fmt.Errorf("validation: no schema registered for %s", t)
	}
	return schema, nil
}

const max35 = 35

// DefaultSchemas covers the supported message types.
var DefaultSchemas = StaticSchemas{
	message.TypePacs008: {
		Type:      message.TypePacs008,
		Required:  []string{"GrpHdr/MsgId", "GrpHdr/CreDtTm", "GrpHdr/NbOfTxs", "GrpHdr/SttlmInf/SttlmMtd", "CdtTrfTxInf/PmtId/EndToEndId", "CdtTrfTxInf/IntrBkSttlmAmt"},
		MaxLength: map[string]int{"GrpHdr/MsgId": max35, "CdtTrfTxInf/PmtId/EndToEndId": max35},
	},
	message.TypePacs009: {
		Type:      message.TypePacs009,
		Required:  []string{"GrpHdr/MsgId", "GrpHdr/CreDtTm", "GrpHdr/NbOfTxs", "GrpHdr/SttlmInf/SttlmMtd", "CdtTrfTxInf/IntrBkSttlmAmt"},
		MaxLength: map[string]int{"GrpHdr/MsgId": max35},
	},
	message.TypePain001: {
		Type:      message.TypePain001,
		Required:  []string{"GrpHdr/MsgId", "GrpHdr/CreDtTm", "GrpHdr/NbOfTxs", "PmtInf/PmtInfId", "PmtInf/CdtTrfTxInf/Amt/InstdAmt"},
		MaxLength: map[string]int{"GrpHdr/MsgId": max35, "PmtInf/PmtInfId": max35},
	},
	message.TypeCamt056: {
		Type:      message.TypeCamt056,
		Required:  []string{"Assgnmt/Id", "Assgnmt/CreDtTm", "Undrlyg/TxInf/OrgnlGrpInf/OrgnlMsgId"},
		MaxLength: map[string]int{"Assgnmt/Id": max35},
	},
	message.TypeCamt029: {
		Type:      message.TypeCamt029,
		Required:  []string{"Assgnmt/Id", "Assgnmt/CreDtTm", "Sts/Conf"},
		MaxLength: map[string]int{"Assgnmt/Id": max35},
	},
}

// CachedSchemas memoises another provider under schema:<type>.
type CachedSchemas struct {
	next   SchemaProvider
	cache  cache.Cache
	ttl    time.Duration
	logger logging.ServiceLogger
}

func NewCachedSchemas(next SchemaProvider, c cache.Cache, ttl time.Duration, logger logging.ServiceLogger) *CachedSchemas {
	return &CachedSchemas{next: next, cache: c, ttl: ttl, logger: logging.OrNop(logger)}
}

func schemaKey(t message.Type) string {
	return "schema:" + string(t)
}

func (c *CachedSchemas) Schema(ctx context.Context, t message.Type) (Schema, error) {
	if schema, ok := cache.GetJSON[Schema](ctx, c.cache, schemaKey(t)); ok {
		return schema, nil
	}
	schema, err := c.next.Schema(ctx, t)
	if err != nil {
		return Schema{}, err
	}
	if err := cache.SetJSON(ctx, c.cache, schemaKey(t), schema, c.ttl); err != nil {
		c.logger.Error("Failed to cache schema", err, logging.LogFields{"message_type": t})
	}
	return schema, nil
}

package handlers

import "github.com/ThreeDotsLabs/watermill/message"

// Metadata holds the headers carried alongside an event.
type Metadata map[string]string

// NewMetadata builds Metadata from alternating key/value pairs. A trailing
// key without a value is ignored.
func NewMetadata(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// Clone returns a copy that never aliases m. The result is never nil.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// With returns a copy of m with key set.
func (m Metadata) With(key, value string) Metadata {
	out := m.Clone()
	out[key] = value
	return out
}

// WithAll returns a copy of m overlaid with entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	out := m.Clone()
	for k, v := range entries {
		out[k] = v
	}
	return out
}

// CorrelationID returns the correlation id header, if any.
func (m Metadata) CorrelationID() string {
	return m[MetadataKeyCorrelationID]
}

func FromWatermill(md message.Metadata) Metadata {
	out := make(Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

func ToWatermill(md Metadata) message.Metadata {
	out := make(message.Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

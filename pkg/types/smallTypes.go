package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	MimeJSON   = "application/json"
	MimeBinary = "application/octet-stream"
)

// Kind names the domain entity a record belongs to. It is stored in every
// registry row and selects the decoder in FromRow.
type Kind string

const (
	KindActivity        Kind = "activity"
	KindConsultation    Kind = "consultation"
	KindNote            Kind = "note"
	KindTracerReference Kind = "tracer_reference"
	KindPresentation    Kind = "presentation"
	KindAttachment      Kind = "attachment"
)

func (k Kind) String() string {
	return string(k)
}

// Pointer locates a payload on a shard node. The zero value means the record
// has no payload.
type Pointer struct {
	ShardID string `json:"shardId"`
	Node    string `json:"node"`
}

func (p Pointer) IsZero() bool {
	return p.ShardID == "" && p.Node == ""
}

func (p Pointer) String() string {
	if p.IsZero() {
		return "<empty>"
	}
	return p.Node + "/" + p.ShardID
}

// Payload is the large part of a record: a JSON document or raw bytes.
type Payload struct {
	MimeType string
	Data     []byte
}

// JSONPayload marshals v into a payload tagged as a JSON document.
func JSONPayload(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("marshal json payload: %w", err)
	}
	return Payload{MimeType: MimeJSON, Data: data}, nil
}

// BinaryPayload wraps raw bytes. An empty mime type becomes octet-stream.
func BinaryPayload(mimeType string, data []byte) Payload {
	if strings.TrimSpace(mimeType) == "" {
		mimeType = MimeBinary
	}
	return Payload{MimeType: mimeType, Data: data}
}

func (p Payload) IsJSON() bool {
	return strings.HasPrefix(strings.ToLower(p.MimeType), MimeJSON)
}

// DecodeJSON unmarshals a JSON payload into v.
func (p Payload) DecodeJSON(v any) error {
	if !p.IsJSON() {
		return fmt.Errorf("payload is %q, not json", p.MimeType)
	}
	return json.Unmarshal(p.Data, v)
}

package types

import (
	"strings"
	"time"
)

// Record is the common shape of every persisted entity. Metadata lives in the
// registry; the payload, if any, lives on the shard node named by
// ShardPointer.
type Record interface {
	RecordID() string
	SetRecordID(id string)
	RecordKind() Kind
	ParentKey() string
	SetParentKey(id string)
	ShardPointer() Pointer
	SetShardPointer(p Pointer)
	Created() time.Time
	Updated() time.Time
	SetTimestamps(created, updated time.Time)
	// SearchText is the denormalized text the registry searches on.
	SearchText() string
}

// Meta carries the fields every record shares. Entities embed it.
type Meta struct {
	ID        string    `json:"-"`
	ParentID  string    `json:"-"`
	Pointer   Pointer   `json:"-"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

func (m *Meta) RecordID() string          { return m.ID }
func (m *Meta) SetRecordID(id string)     { m.ID = id }
func (m *Meta) ParentKey() string         { return m.ParentID }
func (m *Meta) SetParentKey(id string)    { m.ParentID = id }
func (m *Meta) ShardPointer() Pointer     { return m.Pointer }
func (m *Meta) SetShardPointer(p Pointer) { m.Pointer = p }
func (m *Meta) Created() time.Time        { return m.CreatedAt }
func (m *Meta) Updated() time.Time        { return m.UpdatedAt }

func (m *Meta) SetTimestamps(created, updated time.Time) {
	m.CreatedAt = created
	m.UpdatedAt = updated
}

// Activity is a scheduled or tracked piece of work.
type Activity struct {
	Meta
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status,omitempty"`
	DueAt       time.Time `json:"dueAt,omitempty"`
}

func (a *Activity) RecordKind() Kind { return KindActivity }
func (a *Activity) SearchText() string {
	return joinSearch(a.Title, a.Description, a.Status)
}

// Consultation is a meeting with a client. Its notes and attachments point at
// it through ParentID.
type Consultation struct {
	Meta
	Client  string    `json:"client"`
	Topic   string    `json:"topic,omitempty"`
	Summary string    `json:"summary,omitempty"`
	HeldAt  time.Time `json:"heldAt,omitempty"`
}

func (c *Consultation) RecordKind() Kind { return KindConsultation }
func (c *Consultation) SearchText() string {
	return joinSearch(c.Client, c.Topic, c.Summary)
}

type Note struct {
	Meta
	Title string   `json:"title"`
	Body  string   `json:"body,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

func (n *Note) RecordKind() Kind { return KindNote }
func (n *Note) SearchText() string {
	parts := append([]string{n.Title, n.Body}, n.Tags...)
	return joinSearch(parts...)
}

// TracerReference links a record to an outside source.
type TracerReference struct {
	Meta
	Label  string `json:"label"`
	URL    string `json:"url,omitempty"`
	Source string `json:"source,omitempty"`
}

func (t *TracerReference) RecordKind() Kind { return KindTracerReference }
func (t *TracerReference) SearchText() string {
	return joinSearch(t.Label, t.Source, t.URL)
}

// Presentation keeps the generated slide deck as a JSON payload.
type Presentation struct {
	Meta
	Title      string `json:"title"`
	Prompt     string `json:"prompt,omitempty"`
	SlideCount int    `json:"slideCount,omitempty"`
}

func (p *Presentation) RecordKind() Kind { return KindPresentation }
func (p *Presentation) SearchText() string {
	return joinSearch(p.Title, p.Prompt)
}

// Attachment is an uploaded file. The bytes are its payload.
type Attachment struct {
	Meta
	DisplayName string `json:"displayName"`
	MimeType    string `json:"mimeType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

func (a *Attachment) RecordKind() Kind { return KindAttachment }
func (a *Attachment) SearchText() string {
	return joinSearch(a.DisplayName, a.MimeType)
}

func joinSearch(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

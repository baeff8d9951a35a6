package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrUnknownKind = errors.New("types: unknown record kind")

// Row is the registry form of a record. Fields holds the entity-specific
// scalar fields as JSON.
type Row struct {
	ID        string
	Kind      Kind
	ParentID  string
	Search    string
	Pointer   Pointer
	CreatedAt time.Time
	UpdatedAt time.Time
	Fields    []byte
}

var constructors = map[Kind]func() Record{
	KindActivity:        func() Record { return &Activity{} },
	KindConsultation:    func() Record { return &Consultation{} },
	KindNote:            func() Record { return &Note{} },
	KindTracerReference: func() Record { return &TracerReference{} },
	KindPresentation:    func() Record { return &Presentation{} },
	KindAttachment:      func() Record { return &Attachment{} },
}

// New returns an empty record of the given kind.
func New(kind Kind) (Record, error) {
	ctor, ok := constructors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return ctor(), nil
}

// ToRow flattens a record for the registry and fills in the search field.
func ToRow(rec Record) (Row, error) {
	fields, err := json.Marshal(rec)
	if err != nil {
		return Row{}, fmt.Errorf("marshal fields of %s %s: %w", rec.RecordKind(), rec.RecordID(), err)
	}
	return Row{
		ID:        rec.RecordID(),
		Kind:      rec.RecordKind(),
		ParentID:  rec.ParentKey(),
		Search:    rec.SearchText(),
		Pointer:   rec.ShardPointer(),
		CreatedAt: rec.Created(),
		UpdatedAt: rec.Updated(),
		Fields:    fields,
	}, nil
}

// FromRow rebuilds the typed record a row was made from.
func FromRow(row Row) (Record, error) {
	rec, err := New(row.Kind)
	if err != nil {
		return nil, err
	}
	if len(row.Fields) > 0 {
		if err := json.Unmarshal(row.Fields, rec); err != nil {
			return nil, fmt.Errorf("unmarshal fields of %s %s: %w", row.Kind, row.ID, err)
		}
	}
	rec.SetRecordID(row.ID)
	rec.SetShardPointer(row.Pointer)
	rec.SetParentKey(row.ParentID)
	rec.SetTimestamps(row.CreatedAt, row.UpdatedAt)
	return rec, nil
}

// MarshalJSON renders a row for humans, used by recordctl.
func (r Row) MarshalJSON() ([]byte, error) {
	return json.MarshalIndent(&struct {
		ID        string          `json:"id"`
		Kind      string          `json:"kind"`
		ParentID  string          `json:"parentId,omitempty"`
		Search    string          `json:"search"`
		Pointer   *Pointer        `json:"shardPointer,omitempty"`
		CreatedAt time.Time       `json:"createdAt"`
		UpdatedAt time.Time       `json:"updatedAt"`
		Fields    json.RawMessage `json:"fields,omitempty"`
	}{
		ID:        r.ID,
		Kind:      r.Kind.String(),
		ParentID:  r.ParentID,
		Search:    r.Search,
		Pointer:   pointerOrNil(r.Pointer),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Fields:    json.RawMessage(r.Fields),
	}, "", "    ")
}

func pointerOrNil(p Pointer) *Pointer {
	if p.IsZero() {
		return nil
	}
	return &p
}

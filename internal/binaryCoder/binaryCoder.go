// Package binaryCoder encodes registry rows in protobuf wire format. The
// message is laid out by hand with protowire so that no generated code is
// needed; field numbers below are the schema and must never be reused.
package binaryCoder

import (
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-records/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldID        protowire.Number = 1
	fieldKind      protowire.Number = 2
	fieldParentID  protowire.Number = 3
	fieldSearch    protowire.Number = 4
	fieldShardID   protowire.Number = 5
	fieldNode      protowire.Number = 6
	fieldCreatedAt protowire.Number = 7
	fieldUpdatedAt protowire.Number = 8
	fieldFields    protowire.Number = 9
)

func RowToByte(row types.Row) []byte {
	var b []byte
	b = appendString(b, fieldID, row.ID)
	b = appendString(b, fieldKind, string(row.Kind))
	b = appendString(b, fieldParentID, row.ParentID)
	b = appendString(b, fieldSearch, row.Search)
	b = appendString(b, fieldShardID, row.Pointer.ShardID)
	b = appendString(b, fieldNode, row.Pointer.Node)
	b = appendTime(b, fieldCreatedAt, row.CreatedAt)
	b = appendTime(b, fieldUpdatedAt, row.UpdatedAt)
	if len(row.Fields) > 0 {
		b = protowire.AppendTag(b, fieldFields, protowire.BytesType)
		b = protowire.AppendBytes(b, row.Fields)
	}
	return b
}

func ByteToRow(b []byte) (types.Row, error) {
	var row types.Row
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return types.Row{}, fmt.Errorf("error decoding row tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num <= fieldNode || num == fieldFields):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return types.Row{}, fmt.Errorf("error decoding row field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			setBytesField(&row, num, v)
		case typ == protowire.VarintType && (num == fieldCreatedAt || num == fieldUpdatedAt):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return types.Row{}, fmt.Errorf("error decoding row field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			t := time.Unix(0, int64(v)).UTC()
			if num == fieldCreatedAt {
				row.CreatedAt = t
			} else {
				row.UpdatedAt = t
			}
		default:
			// unknown field from a newer writer, skip it
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return types.Row{}, fmt.Errorf("error skipping row field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if row.ID == "" {
		return types.Row{}, fmt.Errorf("error decoding row: missing id")
	}
	return row, nil
}

func setBytesField(row *types.Row, num protowire.Number, v []byte) {
	switch num {
	case fieldID:
		row.ID = string(v)
	case fieldKind:
		row.Kind = types.Kind(v)
	case fieldParentID:
		row.ParentID = string(v)
	case fieldSearch:
		row.Search = string(v)
	case fieldShardID:
		row.Pointer.ShardID = string(v)
	case fieldNode:
		row.Pointer.Node = string(v)
	case fieldFields:
		row.Fields = append([]byte(nil), v...)
	}
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// appendTime stores unix nanoseconds; the zero time is left out so it
// decodes back to time.Time{}.
func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(t.UnixNano()))
}

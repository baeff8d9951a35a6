// Package registry is the central metadata store. It keeps one row per record
// (kind, parent, search text, shard pointer, timestamps, scalar fields) and
// answers filtered, sorted and paged queries over them.
//
// Upsert is last-write-wins. UpsertIf adds a compare-and-swap on UpdatedAt
// for callers that want to detect lost updates.
package registry

import (
	"context"
	"math"
	"time"

	"github.com/i5heu/ouroboros-records/pkg/types"
)

type Registry interface {
	// Upsert replaces the row with the same id or inserts it.
	Upsert(ctx context.Context, row types.Row) error
	// UpsertIf writes row only if the stored UpdatedAt equals expected. A zero
	// expected means the row must not exist yet. A mismatch is ErrConflict.
	UpsertIf(ctx context.Context, row types.Row, expected time.Time) error
	// Delete of a missing id succeeds.
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (types.Row, error)
	Query(ctx context.Context, q Query) (Result, error)
	// Pointers maps every non-empty shard pointer to the id of its row.
	Pointers(ctx context.Context) (map[types.Pointer]string, error)
	Close() error
}

type SortField string

const (
	SortUpdatedAt SortField = "updated_at"
	SortCreatedAt SortField = "created_at"
)

type SortKey struct {
	Field SortField
	Desc  bool
}

// DefaultSort is newest first: UpdatedAt desc, then CreatedAt desc.
var DefaultSort = []SortKey{
	{Field: SortUpdatedAt, Desc: true},
	{Field: SortCreatedAt, Desc: true},
}

// Query filters by equality on Kind and ParentID and by case-insensitive
// substring on the search field. Empty filters match everything. Rows with
// equal sort keys are ordered by id. Page is zero-based; PageSize <= 0
// returns every match.
type Query struct {
	Kind     types.Kind
	ParentID string
	Search   string
	Sort     []SortKey
	Page     int
	PageSize int
}

type Result struct {
	Rows  []types.Row
	Total int // matches before paging
}

func (q Query) sortKeys() []SortKey {
	if len(q.Sort) == 0 {
		return DefaultSort
	}
	return q.Sort
}

func (q Query) validate() error {
	for _, k := range q.Sort {
		if k.Field != SortUpdatedAt && k.Field != SortCreatedAt {
			return newError(ErrInvalidQuery, "query", "", errUnknownSortField(k.Field))
		}
	}
	if q.Page < 0 {
		return newError(ErrInvalidQuery, "query", "", errNegativePage)
	}
	// the end of the page must fit in an int
	if q.PageSize > 0 && q.Page > math.MaxInt/q.PageSize-1 {
		return newError(ErrInvalidQuery, "query", "", errPageTooLarge)
	}
	return nil
}

// window returns the [start, end) slice bounds of the requested page within
// total matches.
func (q Query) window(total int) (int, int) {
	if q.PageSize <= 0 {
		return 0, total
	}
	start := q.Page * q.PageSize
	if start > total {
		start = total
	}
	end := start + q.PageSize
	if end > total {
		end = total
	}
	return start, end
}

func sameInstant(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() && b.IsZero()
	}
	return a.Equal(b)
}

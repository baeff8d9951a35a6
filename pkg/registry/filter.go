package registry

import (
	"sort"
	"strings"
	"time"

	"github.com/i5heu/ouroboros-records/pkg/types"
)

// applyQuery filters, sorts and pages rows in memory. Backends without a
// query engine of their own use it.
func applyQuery(rows []types.Row, q Query) Result {
	needle := strings.ToLower(q.Search)
	matched := rows[:0:0]
	for _, row := range rows {
		if q.Kind != "" && row.Kind != q.Kind {
			continue
		}
		if q.ParentID != "" && row.ParentID != q.ParentID {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(row.Search), needle) {
			continue
		}
		matched = append(matched, row)
	}

	keys := q.sortKeys()
	sort.SliceStable(matched, func(i, j int) bool {
		return rowLess(matched[i], matched[j], keys)
	})

	start, end := q.window(len(matched))
	return Result{Rows: matched[start:end], Total: len(matched)}
}

func rowLess(a, b types.Row, keys []SortKey) bool {
	for _, k := range keys {
		ta, tb := sortValue(a, k.Field), sortValue(b, k.Field)
		if ta.Equal(tb) {
			continue
		}
		if k.Desc {
			return ta.After(tb)
		}
		return ta.Before(tb)
	}
	return a.ID < b.ID
}

func sortValue(row types.Row, f SortField) time.Time {
	if f == SortCreatedAt {
		return row.CreatedAt
	}
	return row.UpdatedAt
}

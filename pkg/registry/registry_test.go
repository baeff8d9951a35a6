package registry

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-records/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type backend struct {
	name string
	open func(t *testing.T) Registry
}

func backends() []backend {
	return []backend{
		{"badger", func(t *testing.T) Registry {
			r, err := NewBadgerRegistry(BadgerConfig{Paths: []string{t.TempDir()}})
			require.NoError(t, err)
			t.Cleanup(func() { _ = r.Close() })
			return r
		}},
		{"sqlite", func(t *testing.T) Registry {
			r, err := NewSQLiteRegistry(filepath.Join(t.TempDir(), "registry.db"), nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = r.Close() })
			return r
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, r Registry)) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

func row(id string, kind types.Kind, search string, updatedMinutes int) types.Row {
	return types.Row{
		ID:        id,
		Kind:      kind,
		Search:    search,
		CreatedAt: base,
		UpdatedAt: base.Add(time.Duration(updatedMinutes) * time.Minute),
		Fields:    []byte(`{"title":"` + search + `"}`),
	}
}

func assertSameRow(t *testing.T, want, got types.Row) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Kind, got.Kind)
	assert.Equal(t, want.ParentID, got.ParentID)
	assert.Equal(t, want.Search, got.Search)
	assert.Equal(t, want.Pointer, got.Pointer)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "createdAt %s != %s", want.CreatedAt, got.CreatedAt)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt), "updatedAt %s != %s", want.UpdatedAt, got.UpdatedAt)
	assert.Equal(t, want.Fields, got.Fields)
}

func ids(rows []types.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}

func TestUpsertGetDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		ctx := context.Background()
		want := row("n1", types.KindNote, "Kickoff", 0)
		want.ParentID = "c1"
		want.Pointer = types.Pointer{ShardID: "s1", Node: "nodeA"}

		require.NoError(t, r.Upsert(ctx, want))
		got, err := r.Get(ctx, "n1")
		require.NoError(t, err)
		assertSameRow(t, want, got)

		// full replace, last write wins
		want.Search = "Kickoff v2"
		want.Pointer = types.Pointer{ShardID: "s2", Node: "nodeB"}
		require.NoError(t, r.Upsert(ctx, want))
		got, err = r.Get(ctx, "n1")
		require.NoError(t, err)
		assertSameRow(t, want, got)

		require.NoError(t, r.Delete(ctx, "n1"))
		_, err = r.Get(ctx, "n1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, r.Delete(ctx, "n1"), "deleting a missing id is fine")
	})
}

func TestUpsertRejectsIncompleteRows(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		ctx := context.Background()
		assert.ErrorIs(t, r.Upsert(ctx, types.Row{Kind: types.KindNote}), ErrWriteFailed)
		assert.ErrorIs(t, r.Upsert(ctx, types.Row{ID: "x"}), ErrWriteFailed)
	})
}

func TestZeroTimesSurvive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		ctx := context.Background()
		require.NoError(t, r.Upsert(ctx, types.Row{ID: "z", Kind: types.KindNote}))
		got, err := r.Get(ctx, "z")
		require.NoError(t, err)
		assert.True(t, got.CreatedAt.IsZero())
		assert.True(t, got.UpdatedAt.IsZero())
		assert.True(t, got.Pointer.IsZero())
	})
}

func TestUpsertIf(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		ctx := context.Background()
		first := row("a1", types.KindActivity, "Plan", 0)

		require.NoError(t, r.UpsertIf(ctx, first, time.Time{}))
		assert.ErrorIs(t, r.UpsertIf(ctx, first, time.Time{}), ErrConflict, "must-not-exist on existing row")

		second := first
		second.UpdatedAt = first.UpdatedAt.Add(time.Minute)
		second.Search = "Plan v2"
		require.NoError(t, r.UpsertIf(ctx, second, first.UpdatedAt))

		// a writer still holding the first version loses
		stale := first
		stale.UpdatedAt = first.UpdatedAt.Add(2 * time.Minute)
		err := r.UpsertIf(ctx, stale, first.UpdatedAt)
		assert.ErrorIs(t, err, ErrConflict)

		got, err := r.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "Plan v2", got.Search)

		assert.ErrorIs(t, r.UpsertIf(ctx, row("gone", types.KindNote, "", 0), base), ErrConflict)
	})
}

func TestQueryFiltersSortAndPaging(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		ctx := context.Background()
		rows := []types.Row{
			row("n1", types.KindNote, "Quarterly Review", 1),
			row("n2", types.KindNote, "weekly review", 3),
			row("n3", types.KindNote, "Shopping", 2),
			row("a1", types.KindActivity, "Review deck", 5),
			row("n4", types.KindNote, "REVIEW again", 3),
		}
		rows[0].ParentID = "c1"
		rows[1].ParentID = "c1"
		for _, rw := range rows {
			require.NoError(t, r.Upsert(ctx, rw))
		}

		res, err := r.Query(ctx, Query{})
		require.NoError(t, err)
		assert.Equal(t, 5, res.Total)
		// newest first, ties broken by id
		assert.Equal(t, []string{"a1", "n2", "n4", "n3", "n1"}, ids(res.Rows))

		res, err = r.Query(ctx, Query{Kind: types.KindNote, Search: "review"})
		require.NoError(t, err)
		assert.Equal(t, []string{"n2", "n4", "n1"}, ids(res.Rows))

		res, err = r.Query(ctx, Query{ParentID: "c1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"n2", "n1"}, ids(res.Rows))

		res, err = r.Query(ctx, Query{Sort: []SortKey{{Field: SortUpdatedAt}}, Page: 1, PageSize: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, res.Total)
		assert.Equal(t, []string{"n2", "n4"}, ids(res.Rows))

		res, err = r.Query(ctx, Query{Page: 7, PageSize: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, res.Total)
		assert.Empty(t, res.Rows)

		_, err = r.Query(ctx, Query{Sort: []SortKey{{Field: "title"}}})
		assert.ErrorIs(t, err, ErrInvalidQuery)
		_, err = r.Query(ctx, Query{Page: -1})
		assert.ErrorIs(t, err, ErrInvalidQuery)
	})
}

func TestQueryHugePageIsRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		ctx := context.Background()
		for i := 1; i <= 5; i++ {
			require.NoError(t, r.Upsert(ctx, row(fmt.Sprintf("n%d", i), types.KindNote, "x", i)))
		}

		_, err := r.Query(ctx, Query{Page: math.MaxInt / 2, PageSize: 4})
		assert.ErrorIs(t, err, ErrInvalidQuery)
		_, err = r.Query(ctx, Query{Page: math.MaxInt, PageSize: 1})
		assert.ErrorIs(t, err, ErrInvalidQuery)

		// the last page that still fits is fine
		res, err := r.Query(ctx, Query{Page: math.MaxInt/4 - 1, PageSize: 4})
		require.NoError(t, err)
		assert.Empty(t, res.Rows)
		assert.Equal(t, 5, res.Total)

		// without a page size the page is ignored
		res, err = r.Query(ctx, Query{Page: math.MaxInt})
		require.NoError(t, err)
		assert.Len(t, res.Rows, 5)
	})
}

func TestQuerySearchIgnoresUnicodeCase(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		ctx := context.Background()
		require.NoError(t, r.Upsert(ctx, row("n1", types.KindNote, "ÜBERSICHT Zürich", 0)))

		res, err := r.Query(ctx, Query{Search: "übersicht"})
		require.NoError(t, err)
		assert.Equal(t, []string{"n1"}, ids(res.Rows))
	})
}

func TestPointers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		ctx := context.Background()
		withPayload := row("p1", types.KindPresentation, "Deck", 0)
		withPayload.Pointer = types.Pointer{ShardID: "s1", Node: "nodeA"}
		require.NoError(t, r.Upsert(ctx, withPayload))
		require.NoError(t, r.Upsert(ctx, row("n1", types.KindNote, "plain", 0)))

		ptrs, err := r.Pointers(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[types.Pointer]string{withPayload.Pointer: "p1"}, ptrs)
	})
}

func TestConcurrentUpserts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, r.Upsert(ctx, row(fmt.Sprintf("r%02d", i), types.KindNote, "x", i)))
			}(i)
		}
		wg.Wait()

		res, err := r.Query(ctx, Query{})
		require.NoError(t, err)
		assert.Equal(t, 20, res.Total)
	})
}

func TestCancelledContext(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := r.Upsert(ctx, row("x", types.KindNote, "", 0))
		assert.ErrorIs(t, err, ErrUnreachable)
	})
}

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/i5heu/ouroboros-records/pkg/types"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	parent_id   TEXT NOT NULL DEFAULT '',
	search      TEXT NOT NULL DEFAULT '',
	search_fold TEXT NOT NULL DEFAULT '',
	shard_id    TEXT NOT NULL DEFAULT '',
	node        TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL DEFAULT 0,
	updated_at  INTEGER NOT NULL DEFAULT 0,
	fields      BLOB
);
CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);
CREATE INDEX IF NOT EXISTS idx_records_parent ON records(parent_id);
CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at);
`

const rowColumns = `id, kind, parent_id, search, shard_id, node, created_at, updated_at, fields`

// SQLiteRegistry keeps rows in a single sqlite table. The search text is also
// stored case-folded so substring matching ignores case for all of Unicode,
// not only ASCII as sqlite's lower() would.
type SQLiteRegistry struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewSQLiteRegistry opens or creates the database at path. ":memory:" gives a
// private in-memory database.
func NewSQLiteRegistry(path string, logger *logrus.Logger) (*SQLiteRegistry, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: sqlite serializes writers anyway and :memory: is per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.WithField("path", path).Debug("sqlite registry ready")
	return &SQLiteRegistry{db: db, log: logger}, nil
}

func (r *SQLiteRegistry) Close() error { return r.db.Close() }

func (r *SQLiteRegistry) Upsert(ctx context.Context, row types.Row) error {
	if err := checkWritable(ctx, "upsert", row); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO records (`+rowColumns+`, search_fold)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			parent_id = excluded.parent_id,
			search = excluded.search,
			search_fold = excluded.search_fold,
			shard_id = excluded.shard_id,
			node = excluded.node,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			fields = excluded.fields`,
		rowArgs(row)...)
	if err != nil {
		return newError(ErrWriteFailed, "upsert", row.ID, err)
	}
	return nil
}

func (r *SQLiteRegistry) UpsertIf(ctx context.Context, row types.Row, expected time.Time) error {
	if err := checkWritable(ctx, "upsert", row); err != nil {
		return err
	}

	var (
		res sql.Result
		err error
	)
	if expected.IsZero() {
		res, err = r.db.ExecContext(ctx, `
			INSERT INTO records (`+rowColumns+`, search_fold)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			rowArgs(row)...)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE records SET
				kind = ?, parent_id = ?, search = ?, search_fold = ?,
				shard_id = ?, node = ?, created_at = ?, updated_at = ?, fields = ?
			WHERE id = ? AND updated_at = ?`,
			string(row.Kind), row.ParentID, row.Search, strings.ToLower(row.Search),
			row.Pointer.ShardID, row.Pointer.Node, toNanos(row.CreatedAt), toNanos(row.UpdatedAt), row.Fields,
			row.ID, toNanos(expected))
	}
	if err != nil {
		return newError(ErrWriteFailed, "upsert", row.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return newError(ErrWriteFailed, "upsert", row.ID, err)
	}
	if n == 0 {
		return newError(ErrConflict, "upsert", row.ID, fmt.Errorf("expected updatedAt %s", expected))
	}
	return nil
}

func (r *SQLiteRegistry) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return newError(ErrWriteFailed, "delete", id, err)
	}
	return nil
}

func (r *SQLiteRegistry) Get(ctx context.Context, id string) (types.Row, error) {
	row, err := scanRow(r.db.QueryRowContext(ctx, `SELECT `+rowColumns+` FROM records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Row{}, newError(ErrNotFound, "get", id, nil)
	}
	if err != nil {
		return types.Row{}, newError(ErrUnreachable, "get", id, err)
	}
	return row, nil
}

func (r *SQLiteRegistry) Query(ctx context.Context, q Query) (Result, error) {
	if err := q.validate(); err != nil {
		return Result{}, err
	}

	var (
		where []string
		args  []any
	)
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, q.ParentID)
	}
	if q.Search != "" {
		where = append(where, "instr(search_fold, ?) > 0")
		args = append(args, strings.ToLower(q.Search))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`+clause, args...).Scan(&total); err != nil {
		return Result{}, newError(ErrUnreachable, "query", "", err)
	}

	stmt := `SELECT ` + rowColumns + ` FROM records` + clause + orderBy(q.sortKeys())
	if q.PageSize > 0 {
		stmt += ` LIMIT ? OFFSET ?`
		args = append(args, q.PageSize, q.Page*q.PageSize)
	}

	rows, err := r.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return Result{}, newError(ErrUnreachable, "query", "", err)
	}
	defer rows.Close()

	res := Result{Total: total}
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return Result{}, newError(ErrUnreachable, "query", "", err)
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, newError(ErrUnreachable, "query", "", err)
	}
	return res, nil
}

func (r *SQLiteRegistry) Pointers(ctx context.Context) (map[types.Pointer]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, shard_id, node FROM records WHERE shard_id <> '' OR node <> ''`)
	if err != nil {
		return nil, newError(ErrUnreachable, "pointers", "", err)
	}
	defer rows.Close()

	out := make(map[types.Pointer]string)
	for rows.Next() {
		var id string
		var ptr types.Pointer
		if err := rows.Scan(&id, &ptr.ShardID, &ptr.Node); err != nil {
			return nil, newError(ErrUnreachable, "pointers", "", err)
		}
		out[ptr] = id
	}
	if err := rows.Err(); err != nil {
		return nil, newError(ErrUnreachable, "pointers", "", err)
	}
	return out, nil
}

// orderBy only ever emits whitelisted column names; Query.validate has
// rejected anything else.
func orderBy(keys []SortKey) string {
	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		col := "updated_at"
		if k.Field == SortCreatedAt {
			col = "created_at"
		}
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts = append(parts, col+" "+dir)
	}
	parts = append(parts, "id ASC")
	return " ORDER BY " + strings.Join(parts, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (types.Row, error) {
	var (
		row              types.Row
		kind             string
		created, updated int64
	)
	err := s.Scan(&row.ID, &kind, &row.ParentID, &row.Search,
		&row.Pointer.ShardID, &row.Pointer.Node, &created, &updated, &row.Fields)
	if err != nil {
		return types.Row{}, err
	}
	row.Kind = types.Kind(kind)
	row.CreatedAt = fromNanos(created)
	row.UpdatedAt = fromNanos(updated)
	return row, nil
}

func rowArgs(row types.Row) []any {
	return []any{
		row.ID, string(row.Kind), row.ParentID, row.Search,
		row.Pointer.ShardID, row.Pointer.Node,
		toNanos(row.CreatedAt), toNanos(row.UpdatedAt), row.Fields,
		strings.ToLower(row.Search),
	}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

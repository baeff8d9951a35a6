package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/ouroboros-records/internal/binaryCoder"
	"github.com/i5heu/ouroboros-records/internal/keyValStore"
	"github.com/i5heu/ouroboros-records/pkg/types"
	"github.com/sirupsen/logrus"
)

const rowPrefix = "row/"

type BadgerConfig struct {
	Paths            []string
	MinimumFreeSpace int // in GB
	InMemory         bool
	Logger           *logrus.Logger
}

// BadgerRegistry keeps rows as protobuf-encoded values under row/<id>.
// Queries scan the prefix and are answered in memory.
type BadgerRegistry struct {
	kv  *keyValStore.KeyValStore
	log *logrus.Logger
}

func NewBadgerRegistry(config BadgerConfig) (*BadgerRegistry, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:            config.Paths,
		MinimumFreeSpace: config.MinimumFreeSpace,
		InMemory:         config.InMemory,
		Logger:           config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("error opening registry store: %w", err)
	}
	return &BadgerRegistry{kv: kv, log: config.Logger}, nil
}

func (r *BadgerRegistry) Close() error { return r.kv.Close() }

func (r *BadgerRegistry) Upsert(ctx context.Context, row types.Row) error {
	if err := checkWritable(ctx, "upsert", row); err != nil {
		return err
	}
	if err := r.kv.Write(rowKey(row.ID), binaryCoder.RowToByte(row)); err != nil {
		return newError(ErrWriteFailed, "upsert", row.ID, err)
	}
	return nil
}

func (r *BadgerRegistry) UpsertIf(ctx context.Context, row types.Row, expected time.Time) error {
	if err := checkWritable(ctx, "upsert", row); err != nil {
		return err
	}

	err := r.kv.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(rowKey(row.ID))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if !expected.IsZero() {
				return newError(ErrConflict, "upsert", row.ID, errors.New("row is gone"))
			}
		case err != nil:
			return err
		default:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			stored, err := binaryCoder.ByteToRow(raw)
			if err != nil {
				return err
			}
			if expected.IsZero() || !sameInstant(stored.UpdatedAt, expected) {
				return newError(ErrConflict, "upsert", row.ID,
					fmt.Errorf("stored updatedAt %s, expected %s", stored.UpdatedAt, expected))
			}
		}
		return txn.Set(rowKey(row.ID), binaryCoder.RowToByte(row))
	})

	var rerr *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &rerr):
		return rerr
	case errors.Is(err, badger.ErrConflict):
		return newError(ErrConflict, "upsert", row.ID, err)
	default:
		return newError(ErrWriteFailed, "upsert", row.ID, err)
	}
}

func (r *BadgerRegistry) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return newError(ErrUnreachable, "delete", id, err)
	}
	if err := r.kv.Delete(rowKey(id)); err != nil {
		return newError(ErrWriteFailed, "delete", id, err)
	}
	return nil
}

func (r *BadgerRegistry) Get(ctx context.Context, id string) (types.Row, error) {
	if err := ctx.Err(); err != nil {
		return types.Row{}, newError(ErrUnreachable, "get", id, err)
	}
	raw, err := r.kv.Read(rowKey(id))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return types.Row{}, newError(ErrNotFound, "get", id, nil)
	}
	if err != nil {
		return types.Row{}, newError(ErrUnreachable, "get", id, err)
	}
	row, err := binaryCoder.ByteToRow(raw)
	if err != nil {
		return types.Row{}, newError(ErrUnreachable, "get", id, err)
	}
	return row, nil
}

func (r *BadgerRegistry) Query(ctx context.Context, q Query) (Result, error) {
	if err := q.validate(); err != nil {
		return Result{}, err
	}
	rows, err := r.scan(ctx, "query")
	if err != nil {
		return Result{}, err
	}
	return applyQuery(rows, q), nil
}

func (r *BadgerRegistry) Pointers(ctx context.Context) (map[types.Pointer]string, error) {
	rows, err := r.scan(ctx, "pointers")
	if err != nil {
		return nil, err
	}
	out := make(map[types.Pointer]string)
	for _, row := range rows {
		if !row.Pointer.IsZero() {
			out[row.Pointer] = row.ID
		}
	}
	return out, nil
}

func (r *BadgerRegistry) scan(ctx context.Context, op string) ([]types.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(ErrUnreachable, op, "", err)
	}
	items, err := r.kv.GetItemsWithPrefix([]byte(rowPrefix))
	if err != nil {
		return nil, newError(ErrUnreachable, op, "", err)
	}
	rows := make([]types.Row, 0, len(items))
	for _, item := range items {
		row, err := binaryCoder.ByteToRow(item[1])
		if err != nil {
			r.log.WithField("key", string(item[0])).WithError(err).Warn("skipping undecodable registry row")
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func checkWritable(ctx context.Context, op string, row types.Row) error {
	if err := ctx.Err(); err != nil {
		return newError(ErrUnreachable, op, row.ID, err)
	}
	if row.ID == "" {
		return newError(ErrWriteFailed, op, "", errors.New("row has no id"))
	}
	if row.Kind == "" {
		return newError(ErrWriteFailed, op, row.ID, errors.New("row has no kind"))
	}
	return nil
}

func rowKey(id string) []byte {
	return []byte(rowPrefix + id)
}

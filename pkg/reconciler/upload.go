package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-records/pkg/types"
)

// Upload is one picked file. Its bytes are only read by Load, inside
// resolution; PreviewRef is what the UI shows until then.
type Upload struct {
	DisplayName string
	MimeType    string
	PreviewRef  string
	Load        func(ctx context.Context) ([]byte, error)
}

// Saver persists and deletes records; *coordinator.Coordinator is one.
type Saver interface {
	Save(ctx context.Context, rec types.Record, payload *types.Payload) error
	Delete(ctx context.Context, rec types.Record) error
}

// SaveWith resolves drafts by saving them without a payload.
func SaveWith[T types.Record](s Saver) ResolveFunc[T] {
	return func(ctx context.Context, _ int, draft T) (T, error) {
		if err := s.Save(ctx, draft, nil); err != nil {
			var zero T
			return zero, err
		}
		return draft, nil
	}
}

// CompensateWith undoes a committed record by deleting it.
func CompensateWith[T types.Record](s Saver) func(context.Context, T) error {
	return func(ctx context.Context, rec T) error {
		return s.Delete(ctx, rec)
	}
}

// BeginUploads shows one syncing attachment per upload in c and starts
// saving each with its bytes as payload. Unless opts says otherwise, failed
// atomic batches are compensated by deleting through s.
func BeginUploads(ctx context.Context, c *Collection[*types.Attachment], parentID string, uploads []Upload, s Saver, opts BatchOptions[*types.Attachment]) (*Batch[*types.Attachment], error) {
	drafts := make([]*types.Attachment, len(uploads))
	opts.PreviewRefs = make([]string, len(uploads))
	for i, u := range uploads {
		a := &types.Attachment{DisplayName: u.DisplayName, MimeType: u.MimeType}
		a.ParentID = parentID
		drafts[i] = a
		opts.PreviewRefs[i] = u.PreviewRef
	}
	if opts.Compensate == nil {
		opts.Compensate = CompensateWith[*types.Attachment](s)
	}

	b := c.Begin(drafts, opts)
	if len(uploads) == 0 {
		return b, nil
	}
	err := b.Start(ctx, func(ctx context.Context, i int, draft *types.Attachment) (*types.Attachment, error) {
		u := uploads[i]
		if u.Load == nil {
			return nil, errors.New("upload has no data source")
		}
		data, err := u.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", u.DisplayName, err)
		}
		draft.Size = int64(len(data))
		p := types.BinaryPayload(u.MimeType, data)
		if err := s.Save(ctx, draft, &p); err != nil {
			return nil, err
		}
		return draft, nil
	})
	return b, err
}

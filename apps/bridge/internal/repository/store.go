package repository

import (
	"context"
	"errors"
	"time"

	"bridge/apps/bridge/internal/model"
)

var (
	ErrNotFound = errors.New("transfer not found")
	// ErrDuplicate is returned by Create when another transfer already owns
	// the same dedup key.
	ErrDuplicate = errors.New("duplicate transfer")
	// ErrHandleOverwrite guards the set-once chain transaction handle.
	ErrHandleOverwrite = errors.New("chain tx handle already set")
)

// Store is the persistence contract shared by the Postgres repository and
// MemoryStore. Get and GetByDedupKey return nil, nil when nothing matches.
type Store interface {
	Create(ctx context.Context, t *model.Transfer) error
	Put(ctx context.Context, t *model.Transfer) error
	Get(ctx context.Context, id string) (*model.Transfer, error)
	GetByDedupKey(ctx context.Context, key string) (*model.Transfer, error)
	GetBySourceRef(ctx context.Context, sourceRef string) ([]*model.Transfer, error)
	// QueryByStatus returns records in status created within maxAge (zero
	// means unbounded), least recently updated first.
	QueryByStatus(ctx context.Context, status model.Status, maxAge time.Duration, limit int) ([]*model.Transfer, error)
	// QueryPage pages through QueryByStatus results with a keyset cursor.
	QueryPage(ctx context.Context, status model.Status, maxAge time.Duration, after Cursor, limit int) ([]*model.Transfer, error)
	// QueryStale returns records in status created more than olderThan ago.
	QueryStale(ctx context.Context, status model.Status, olderThan time.Duration, limit int) ([]*model.Transfer, error)
}

// Cursor marks the last record of a page in (updated_at, id) order.
type Cursor struct {
	UpdatedAt time.Time
	ID        string
}

// After returns the cursor positioned on t.
func After(t *model.Transfer) Cursor {
	return Cursor{UpdatedAt: t.UpdatedAt, ID: t.ID}
}

func (c Cursor) IsZero() bool {
	return c.ID == "" && c.UpdatedAt.IsZero()
}

// Before reports whether the cursor sorts before t.
func (c Cursor) Before(t *model.Transfer) bool {
	if c.IsZero() {
		return true
	}
	if !c.UpdatedAt.Equal(t.UpdatedAt) {
		return c.UpdatedAt.Before(t.UpdatedAt)
	}
	return c.ID < t.ID
}

package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskboard/internal/domain"
)

// Store persists audit entries. Entries are append-only.
type Store interface {
	InsertAction(ctx context.Context, a domain.ActionLog) error
}

type Logger struct {
	Store Store
	Now   func() time.Time
}

// Append records that actorID performed kind on task. The snapshot is a copy
// of task as committed; later changes to task do not reach the entry.
func (l Logger) Append(ctx context.Context, actorID string, kind domain.ActionKind, task domain.Task) (domain.ActionLog, error) {
	if l.Store == nil {
		return domain.ActionLog{}, errors.New("audit store not configured")
	}
	if l.Now == nil {
		l.Now = time.Now
	}
	snap := task.Clone()
	entry := domain.ActionLog{
		ID:        uuid.NewString(),
		UserID:    actorID,
		Kind:      kind,
		Snapshot:  snap,
		CreatedAt: l.Now().UTC(),
	}
	if snap.ID != "" {
		id := snap.ID
		entry.TaskID = &id
	}
	if err := l.Store.InsertAction(ctx, entry); err != nil {
		return domain.ActionLog{}, fmt.Errorf("append %s audit: %w", kind, err)
	}
	return entry, nil
}

package sync

import (
	"context"

	"github.com/pokebrowser/core/internal/models"
)

// EngineInterface abstracts the sync engine for the scheduler and the
// message bus, so tests can substitute a fake.
type EngineInterface interface {
	PushLocalToRemote(ctx context.Context, items []models.Item, force bool) (*PushResult, error)
	PullRemoteToLocal(ctx context.Context) (*PullResult, error)
	ForceSyncNow(ctx context.Context, items []models.Item) (*PushResult, error)
	Status() models.SyncStatus
	Reset()
}

// Ensure Engine implements EngineInterface.
var _ EngineInterface = (*Engine)(nil)

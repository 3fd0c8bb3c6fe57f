package lifecycle

import (
	"context"

	"github.com/Amund211/tilestream/internal/cache"
	"github.com/Amund211/tilestream/internal/domain"
	"github.com/Amund211/tilestream/internal/fetchqueue"
	"github.com/Amund211/tilestream/internal/scheduler"
)

// Renderer receives artifacts for the tiles it asked for. All calls happen on
// the control loop.
type Renderer interface {
	Show(ctx context.Context, tile domain.TileID, artifact any)
	// ShowFallback displays a coarser ancestor while tile is not ready
	ShowFallback(ctx context.Context, tile domain.TileID, ancestor domain.TileID, artifact any)
	Remove(ctx context.Context, tile domain.TileID)
	Failed(ctx context.Context, tile domain.TileID, err error)
}

type Cache interface {
	Get(ctx context.Context, key domain.CacheKey, cb cache.GetCallback)
	Put(ctx context.Context, key domain.CacheKey, entry domain.CacheEntry)
	SetProtector(protector cache.Protector)
}

type Fetcher interface {
	Enqueue(ctx context.Context, info *fetchqueue.FetchInfo) bool
	Cancel(ctx context.Context, tile domain.TileID)
}

type Scheduler interface {
	AddTask(task *scheduler.Task, priority scheduler.Priority) bool
	CancelTile(ctx context.Context, tile domain.TileID)
	// Pending reports whether the task with id has not started yet
	Pending(id string) bool
}

type Decoder interface {
	Decode(ctx context.Context, tile domain.TileID, entry domain.CacheEntry) (any, error)
}

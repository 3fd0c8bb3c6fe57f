package main

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/Amund211/tilestream/internal/decode"
	"github.com/Amund211/tilestream/internal/domain"
	"github.com/Amund211/tilestream/internal/logging"
)

// logRenderer stands in for a real renderer when replaying a camera path. It
// only keeps counts and logs what would have been drawn.
type logRenderer struct {
	shown     atomic.Int64
	fallbacks atomic.Int64
	removed   atomic.Int64
	failed    atomic.Int64
	bytes     atomic.Int64
}

func (r *logRenderer) Show(ctx context.Context, tile domain.TileID, artifact any) {
	r.shown.Add(1)
	if raster, ok := artifact.(decode.Raster); ok {
		r.bytes.Add(int64(len(raster.Data)))
		logging.FromContext(ctx).DebugContext(ctx, "Showing tile",
			slog.Int("width", raster.Width),
			slog.Int("height", raster.Height),
			slog.String("format", raster.Format),
		)
	}
}

func (r *logRenderer) ShowFallback(ctx context.Context, tile domain.TileID, ancestor domain.TileID, artifact any) {
	r.fallbacks.Add(1)
	logging.FromContext(ctx).DebugContext(ctx, "Showing fallback", slog.String("ancestor", ancestor.String()))
}

func (r *logRenderer) Remove(ctx context.Context, tile domain.TileID) {
	r.removed.Add(1)
}

func (r *logRenderer) Failed(ctx context.Context, tile domain.TileID, err error) {
	r.failed.Add(1)
	level := slog.LevelWarn
	if errors.Is(err, domain.ErrNoData) {
		level = slog.LevelDebug
	}
	logging.FromContext(ctx).Log(ctx, level, "Tile failed", "error", err)
}

func (r *logRenderer) summary() []any {
	return []any{
		slog.Int64("shown", r.shown.Load()),
		slog.Int64("fallbacks", r.fallbacks.Load()),
		slog.Int64("removed", r.removed.Load()),
		slog.Int64("failed", r.failed.Load()),
		slog.Int64("bytes", r.bytes.Load()),
	}
}

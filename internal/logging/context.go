package logging

import (
	"context"
	"log/slog"
	"os"

	"github.com/Amund211/tilestream/internal/domain"
)

type loggerContextKey struct{}

func FromContext(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger)
	if !ok || logger == nil {
		fallback := slog.New(slog.NewJSONHandler(os.Stdout, nil))
		fallback = fallback.With(slog.String("logger", "fallback"))
		return fallback
	}
	return logger
}

func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

func AddMetaToContext(ctx context.Context, args ...slog.Attr) context.Context {
	logger := FromContext(ctx)

	anySlice := make([]any, len(args))
	for i, arg := range args {
		anySlice[i] = arg
	}

	return AddToContext(ctx, logger.With(anySlice...))
}

// AddTileToContext tags every following log line with the tile it concerns
func AddTileToContext(ctx context.Context, tile domain.TileID) context.Context {
	return AddMetaToContext(ctx, TileAttr(tile))
}

func TileAttr(tile domain.TileID) slog.Attr {
	return slog.String("tile", tile.String())
}

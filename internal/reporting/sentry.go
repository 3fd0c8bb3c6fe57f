package reporting

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"github.com/Amund211/tilestream/internal/config"
	"github.com/Amund211/tilestream/internal/logging"
	"github.com/getsentry/sentry-go"
)

var tileRx = regexp.MustCompile(`/\d{1,2}/\d+/\d+`)
var hostRx = regexp.MustCompile(`\[:{0,2}([0-9a-f]{0,4}:?){1,8}\]:\d+`)
var ipv4Rx = regexp.MustCompile(`\d{1,3}(\.\d{1,3}){3}:\d+`)

// sanitizeError strips the parts of an error message that vary per tile or
// connection so similar failures are grouped together
func sanitizeError(err string) string {
	err = tileRx.ReplaceAllString(err, "/<z>/<x>/<y>")
	err = hostRx.ReplaceAllString(err, "<host>")
	err = ipv4Rx.ReplaceAllString(err, "<host>")
	return err
}

func Report(ctx context.Context, err error, extras ...map[string]string) {
	hub := sentry.GetHubFromContext(ctx)
	logger := logging.FromContext(ctx)
	if hub == nil {
		logger.WarnContext(ctx, "Failed to get Sentry hub from context", "error", err, "extras", extras)
		return
	}

	if err == nil {
		err = errors.New("No error provided")
	}

	logger.ErrorContext(
		ctx,
		"Reporting error to Sentry",
		slog.String("error", err.Error()),
		slog.Any("extras", extras),
	)

	hub.WithScope(func(scope *sentry.Scope) {
		meta := MetaFromContext(ctx)
		scope.SetTags(meta.tags)
		for key, value := range meta.extras {
			scope.SetExtra(key, value)
		}
		if !meta.startedAt.IsZero() {
			scope.SetExtra("secondsSinceStart", time.Since(meta.startedAt).Seconds())
		}

		for _, extra := range extras {
			for key, value := range extra {
				scope.SetExtra(key, value)
			}
		}

		scope.SetFingerprint([]string{"{{ default }}", sanitizeError(err.Error())})
		hub.CaptureException(err)
	})
}

// AddHubToContext gives ctx its own hub so scopes don't leak between callers
func AddHubToContext(ctx context.Context) context.Context {
	return sentry.SetHubOnContext(ctx, sentry.CurrentHub().Clone())
}

func InitSentry(sentryDSN string, environment string) (func(), error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              sentryDSN,
		Environment:      environment,
		EnableTracing:    true,
		TracesSampleRate: 1.0 / 100.0,
	})
	if err != nil {
		return nil, err
	}

	flush := func() {
		sentry.Flush(5 * time.Second)
	}

	return flush, nil
}

// NewSentryOrMock initializes Sentry when a DSN is configured. Development may
// run without one.
func NewSentryOrMock(conf config.Config) (func(), error) {
	if conf.SentryDSN() != "" {
		return InitSentry(conf.SentryDSN(), conf.EnvironmentName())
	}

	if conf.IsDevelopment() {
		return func() {}, nil
	}

	return nil, errors.New("Missing Sentry DSN in non-development environment")
}

package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the process logger: JSON on stderr, or a console writer with
// debug level and stacks when dev is set.
func Setup(dev bool) zerolog.Logger {
	return setup(os.Stderr, dev)
}

func setup(out io.Writer, dev bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

// Track attaches the operation name to the context logger and returns a done
// func that logs the outcome with its duration.
//
//	ctx, done := logger.Track(ctx, "issue")
//	defer func() { done(err) }()
func Track(ctx context.Context, operation string) (context.Context, func(error)) {
	started := time.Now()

	l := zerolog.Ctx(ctx).With().Str("operation", operation).Logger()
	ctx = l.WithContext(ctx)

	return ctx, func(err error) {
		if err != nil {
			l.Error().Err(err).Dur("duration", time.Since(started)).Msg("operation failed")
			return
		}
		l.Info().Dur("duration", time.Since(started)).Msg("operation finished")
	}
}

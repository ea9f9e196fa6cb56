package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrack(t *testing.T) {
	t.Run("logs success with operation field", func(t *testing.T) {
		var buf bytes.Buffer
		l := setup(&buf, false)
		ctx := l.WithContext(context.Background())

		_, done := Track(ctx, "verify")
		done(nil)

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		require.Equal(t, "verify", entry["operation"])
		require.Equal(t, "info", entry["level"])
		require.Equal(t, "operation finished", entry["message"])
	})

	t.Run("logs failure at error level", func(t *testing.T) {
		var buf bytes.Buffer
		l := setup(&buf, false)
		ctx := l.WithContext(context.Background())

		_, done := Track(ctx, "anchor")
		done(errors.New("rpc timeout"))

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		require.Equal(t, "error", entry["level"])
		require.Equal(t, "rpc timeout", entry["error"])
	})

	t.Run("debug suppressed outside dev", func(t *testing.T) {
		var buf bytes.Buffer
		l := setup(&buf, false)
		l.Debug().Msg("hidden")
		require.Empty(t, buf.String())
	})
}

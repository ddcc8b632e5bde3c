package telemetry

import (
	"context"
	"io"

	"github.com/rs/zerolog"
)

// ZerologLogger backs Logger with github.com/rs/zerolog, matching the
// structured-logging idiom used throughout the pack's chat/agent servers.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger builds a Logger writing JSON lines to w. Pass os.Stdout
// in production; tests typically pass io.Discard or a bytes.Buffer.
func NewZerologLogger(w io.Writer, component string) *ZerologLogger {
	l := zerolog.New(w).With().Timestamp().Str("component", component).Logger()
	return &ZerologLogger{log: l}
}

func (z *ZerologLogger) Debug(_ context.Context, msg string, keyvals ...any) {
	z.event(z.log.Debug(), keyvals).Msg(msg)
}

func (z *ZerologLogger) Info(_ context.Context, msg string, keyvals ...any) {
	z.event(z.log.Info(), keyvals).Msg(msg)
}

func (z *ZerologLogger) Warn(_ context.Context, msg string, keyvals ...any) {
	z.event(z.log.Warn(), keyvals).Msg(msg)
}

func (z *ZerologLogger) Error(_ context.Context, msg string, keyvals ...any) {
	z.event(z.log.Error(), keyvals).Msg(msg)
}

// event attaches alternating key/value pairs to e, tolerating an odd trailing
// key by ignoring it rather than panicking on malformed call sites.
func (z *ZerologLogger) event(e *zerolog.Event, keyvals []any) *zerolog.Event {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, keyvals[i+1])
	}
	return e
}

var _ Logger = (*ZerologLogger)(nil)

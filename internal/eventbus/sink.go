package eventbus

import (
	"context"
	"encoding/json"
	"io"
)

// WriteJSONLines drains ch, writing one JSON object per line to w until ch
// is closed or ctx is cancelled. Intended for external sinks (e.g. a log
// file or a pipe to another process) that want a stable line-oriented
// encoding of the same events the CLI renders interactively.
func WriteJSONLines(ctx context.Context, w io.Writer, ch <-chan Event) error {
	enc := json.NewEncoder(w)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

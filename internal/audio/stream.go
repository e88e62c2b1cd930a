package audio

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"
)

const overflowBackoff = 250 * time.Millisecond

type streamer interface {
	Stream(w io.Writer) error
}

// streamWithRetry pumps capture into w, restarting after input overflows,
// until ctx is cancelled or the stream fails for another reason.
func streamWithRetry(ctx context.Context, s streamer, w io.Writer, wait func(time.Duration)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := s.Stream(w)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		if strings.Contains(strings.ToLower(err.Error()), "overflow") {
			slog.Warn("mic input overflow, restarting stream")
			wait(overflowBackoff)
			continue
		}

		return err
	}
}

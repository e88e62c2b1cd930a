package audio

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

type scriptedStreamer struct {
	errs  []error
	calls int
}

func (s *scriptedStreamer) Stream(io.Writer) error {
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func TestStreamWithRetryRestartsOnOverflow(t *testing.T) {
	s := &scriptedStreamer{errs: []error{errors.New("Input overflowed"), nil}}
	var waits []time.Duration

	err := streamWithRetry(context.Background(), s, io.Discard, func(d time.Duration) { waits = append(waits, d) })
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if s.calls != 2 {
		t.Fatalf("expected 2 stream calls, got %d", s.calls)
	}
	if len(waits) != 1 || waits[0] != overflowBackoff {
		t.Fatalf("unexpected waits %v", waits)
	}
}

func TestStreamWithRetryReturnsOtherErrors(t *testing.T) {
	s := &scriptedStreamer{errs: []error{errors.New("device lost")}}

	err := streamWithRetry(context.Background(), s, io.Discard, func(time.Duration) {})
	if err == nil || err.Error() != "device lost" {
		t.Fatalf("expected device error, got %v", err)
	}
}

func TestStreamWithRetryStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &scriptedStreamer{}

	if err := streamWithRetry(ctx, s, io.Discard, func(time.Duration) {}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if s.calls != 0 {
		t.Fatalf("expected no stream calls, got %d", s.calls)
	}
}

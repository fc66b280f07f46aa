package autosave

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

type countingSaver struct {
	calls atomic.Int32
	fail  bool
}

func (s *countingSaver) Autosave(context.Context) (bool, error) {
	n := s.calls.Add(1)
	if s.fail && n == 1 {
		return false, errors.New("disk full")
	}
	return true, nil
}

func TestStartKeepsTickingAfterFailure(t *testing.T) {
	t.Parallel()
	saver := &countingSaver{fail: true}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Start(ctx, log.NewWithOptions(io.Discard, log.Options{}), 5*time.Millisecond, saver)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for saver.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("Autosave calls = %d, want >= 3", saver.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}

func TestStartDisabled(t *testing.T) {
	t.Parallel()
	saver := &countingSaver{}
	Start(context.Background(), log.NewWithOptions(io.Discard, log.Options{}), 0, saver)
	if saver.calls.Load() != 0 {
		t.Fatalf("Autosave calls = %d, want 0", saver.calls.Load())
	}
}

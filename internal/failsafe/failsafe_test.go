package failsafe

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestRunRestartsAndHonorsCancellation exercises the supervisor loop
// against a handful of instantly-exiting "true" processes: it should
// keep restarting them (potentially backing off) until the context is
// cancelled, then kill everything and return promptly.
func TestRunRestartsAndHonorsCancellation(t *testing.T) {
	s := &Supervisor{
		NCopies: 2,
		NewCmd:  func() *exec.Cmd { return exec.Command("true") },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunDefaultsNCopies(t *testing.T) {
	s := &Supervisor{NewCmd: func() *exec.Cmd { return exec.Command("true") }}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Run(ctx), context.DeadlineExceeded)
}

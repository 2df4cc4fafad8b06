// Package failsafe implements the optional supervisor mode of spec §5
// "Failsafe mode" / §6 "-z[LEVEL]": fork the requested number of
// worker processes, wait on them, and restart any that exit
// abnormally, backing off when restarts happen too quickly.
//
// Grounded on original_source/failsafe.c's failsafe(): that function
// forks real child processes and has the child continue execution by
// returning from failsafe() itself (the "return" in the `pid == 0`
// branch). Go has no fork-and-continue; the supervisor instead re-execs
// the running binary as a genuine OS subprocess per worker (os/exec),
// which is the idiomatic stand-in pack examples use for a
// process-per-worker model (rclone's rc/jobs and serve commands launch
// themselves as subprocesses the same way for isolation rather than
// forking).
package failsafe

import (
	"context"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"
)

// minBackoff is the original's initial backoff (failsafe.c: "backoff =
// 60"); maxBackoff is its cap ("if (backoff < 60*60) backoff <<= 1").
const (
	minBackoff = time.Minute
	maxBackoff = time.Hour
)

// Supervisor runs NCopies instances of Command, restarting any that
// exit abnormally, until Run's context is cancelled (SIGTERM).
type Supervisor struct {
	NCopies int
	// NewCmd returns a fresh *exec.Cmd for one worker; called once per
	// (re)start so a crashed worker gets an independent process object.
	NewCmd func() *exec.Cmd
}

type exit struct {
	slot int
	err  error
}

// Run starts NCopies workers and supervises them until ctx is done.
// It mirrors failsafe.c's main loop: track restarts-per-second across
// all workers combined, and once more than 2*NCopies restarts happen
// within what the original treats as "the same second", start backing
// off (doubling, capped at maxBackoff) before launching the next one.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.NCopies <= 0 {
		s.NCopies = 1
	}
	cmds := make([]*exec.Cmd, s.NCopies)
	done := make(chan exit, s.NCopies)

	var lastRestart time.Time
	var restarts int
	backoff := minBackoff

	start := func(slot int) {
		now := time.Now()
		if !lastRestart.IsZero() && now.Sub(lastRestart) < time.Second {
			restarts++
			if restarts > 2*s.NCopies {
				log.WithField("backoff", backoff).Warn("failsafe: workers restarting too quickly, backing off")
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
				}
				if backoff < maxBackoff {
					backoff *= 2
				}
			}
		} else {
			lastRestart = now
			restarts = 0
			backoff = minBackoff
		}

		cmd := s.NewCmd()
		cmds[slot] = cmd
		log.WithField("slot", slot).Info("failsafe: starting worker")
		if err := cmd.Start(); err != nil {
			log.WithError(err).WithField("slot", slot).Error("failsafe: failed to start worker")
			done <- exit{slot: slot, err: err}
			return
		}
		go func() {
			err := cmd.Wait()
			done <- exit{slot: slot, err: err}
		}()
	}

	for i := 0; i < s.NCopies; i++ {
		start(i)
	}

	running := s.NCopies
	for running > 0 {
		select {
		case <-ctx.Done():
			for _, c := range cmds {
				if c != nil && c.Process != nil {
					_ = c.Process.Kill()
				}
			}
			return ctx.Err()
		case e := <-done:
			running--
			if ctx.Err() != nil {
				continue
			}
			logExit(e)
			running++
			start(e.slot)
		}
	}
	return nil
}

func logExit(e exit) {
	if e.err == nil {
		log.WithField("slot", e.slot).Warn("failsafe: worker exited cleanly, restarting")
		return
	}
	if exitErr, ok := e.err.(*exec.ExitError); ok {
		log.WithFields(log.Fields{"slot": e.slot, "status": exitErr.ExitCode()}).Warn("failsafe: worker exited abnormally, restarting")
		return
	}
	log.WithError(e.err).WithField("slot", e.slot).Warn("failsafe: worker terminated, restarting")
}

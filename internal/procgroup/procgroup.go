// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package procgroup runs external tools in their own process group so that
// cancellation reaps the whole tree.
package procgroup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// DefaultGrace is how long a cancelled tool gets between SIGTERM and SIGKILL.
const DefaultGrace = 2 * time.Second

// ExitError carries the tail of a failed tool's stderr.
type ExitError struct {
	Tool   string
	Err    error
	Stderr []string
}

func (e *ExitError) Error() string {
	if len(e.Stderr) == 0 {
		return fmt.Sprintf("%s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Tool, e.Err, strings.Join(e.Stderr, " | "))
}

func (e *ExitError) Unwrap() error { return e.Err }

// Run starts cmd in a new process group and waits for it. When ctx ends
// first the group is terminated and ctx.Err() is returned. The last
// stderrLines lines of stderr are kept for the error.
func Run(ctx context.Context, cmd *exec.Cmd, stderrLines int) error {
	if stderrLines <= 0 {
		stderrLines = 20
	}
	Set(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%s: stderr pipe: %w", cmd.Path, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%s: start: %w", cmd.Path, err)
	}

	ring := NewRingBuffer(stderrLines)
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanLines(stderr, ring)
	}()

	waitCh := make(chan error, 1)
	go func() {
		// Wait closes the pipe, so the scanner must finish first.
		<-scanned
		waitCh <- cmd.Wait()
	}()

	select {
	case err := <-waitCh:
		if err != nil {
			return &ExitError{Tool: cmd.Path, Err: err, Stderr: ring.GetAll()}
		}
		return nil
	case <-ctx.Done():
		_ = Terminate(cmd, waitCh, DefaultGrace)
		return ctx.Err()
	}
}

func scanLines(r io.Reader, ring *RingBuffer) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			ring.Add(line)
		}
	}
	// Drain anything left after an overlong line.
	_, _ = io.Copy(io.Discard, r)
}

// IsExit reports whether err came from a tool exiting unsuccessfully.
func IsExit(err error) bool {
	var e *ExitError
	return errors.As(err, &e)
}

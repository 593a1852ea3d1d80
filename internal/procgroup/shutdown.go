// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/Last-Order/Minyami-sub000/internal/metrics"
)

// Terminate sends SIGTERM to the group, waits up to grace for waitCh and
// then sends SIGKILL. It always drains waitCh and returns its error.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	signal(cmd, syscall.SIGTERM, "SIGTERM")

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
		signal(cmd, syscall.SIGKILL, "SIGKILL")
		return <-waitCh
	}
}

func signal(cmd *exec.Cmd, sig syscall.Signal, name string) {
	err := Kill(cmd, sig)
	switch {
	case err == nil:
		metrics.IncProcSignal(name, "sent")
	case errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH):
		metrics.IncProcSignal(name, "esrch")
	default:
		metrics.IncProcSignal(name, "error")
	}
}

//go:build unix

package procgroup

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CapturesStderrTail(t *testing.T) {
	cmd := exec.Command("sh", "-c", "for i in 1 2 3 4; do echo line$i >&2; done; exit 3")
	err := Run(context.Background(), cmd, 2)
	require.Error(t, err)
	require.True(t, IsExit(err))

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, []string{"line3", "line4"}, exitErr.Stderr)
	assert.Contains(t, err.Error(), "line4")
}

func TestRun_Success(t *testing.T) {
	require.NoError(t, Run(context.Background(), exec.Command("true"), 0))
}

func TestRun_CancelKillsGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pidFile := filepath.Join(t.TempDir(), "pid")
	cmd := exec.Command("sh", "-c", "echo $$ > "+pidFile+"; sleep 100 & sleep 100")

	done := make(chan error, 1)
	go func() { done <- Run(ctx, cmd, 0) }()

	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Positive(t, pid)
}

func TestKill_NilCommand(t *testing.T) {
	assert.NoError(t, Kill(nil, syscall.SIGTERM))
	assert.NoError(t, Terminate(&exec.Cmd{}, nil, time.Millisecond))
}

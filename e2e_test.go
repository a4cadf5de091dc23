//go:build linux && amd64

package main

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

	"github.com/monsterxx03/tracer/pkg/proc"
)

// Runs against real processes, needs ptrace permission. Enabled in CI.
func requireE2E(t *testing.T) string {
	if os.Getenv("TRACER_E2E") == "" {
		t.Skip("set TRACER_E2E=1 to run")
	}
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not found")
	}
	return sleep
}

func e2eContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestE2EAttachDetach(t *testing.T) {
	sleep := requireE2E(t)
	ctx := e2eContext(t)

	cmd := exec.Command(sleep, "60")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	pid := cmd.Process.Pid

	s, err := startSession(ctx, 0)
	require.NoError(t, err)
	defer s.stop()
	if err := s.attach(ctx, pid, 0); err != nil {
		if errors.Is(err, syscall.EPERM) {
			t.Skip("ptrace not permitted")
		}
		require.NoError(t, err)
	}

	info, err := s.svc.Process(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "attached", info.State)
	assert.Equal(t, 1, info.Threads)
	exe, err := filepath.EvalSymlinks(sleep)
	require.NoError(t, err)
	assert.Equal(t, exe, info.Main)

	modules, err := s.svc.Modules(ctx, pid)
	require.NoError(t, err)
	assert.NotEmpty(t, modules)

	areas, err := s.svc.Maps(ctx, pid)
	require.NoError(t, err)
	assert.NotEmpty(t, areas)

	require.NoError(t, s.svc.Detach(ctx, pid))
	require.Eventually(t, func() bool {
		procs, err := s.svc.Processes(ctx)
		return err == nil && len(procs) == 0
	}, 5*time.Second, 10*time.Millisecond)

	// still alive and no longer traced
	require.NoError(t, cmd.Process.Signal(syscall.Signal(0)))
	status, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "status"))
	require.NoError(t, err)
	assert.Contains(t, string(status), "TracerPid:\t0")
}

func TestE2EExecBreakpoint(t *testing.T) {
	sleep := requireE2E(t)
	ctx := e2eContext(t)

	s, err := startSession(ctx, proc.CoreOptionAutoQuit)
	require.NoError(t, err)
	defer s.stop()

	out := &lineWriter{t: t, lines: make(chan string, 256)}
	tr := newTracer(out, []string{"clock_nanosleep"})
	exited := make(chan int, 1)
	h := tr.handlers()
	h.ProcessExit = func(ev *proc.Event) proc.Action {
		exited <- ev.ExitCode
		return proc.Forward
	}
	_, err = s.core.ExecRemote(ctx, sleep, []string{"sleep", "0.2"}, h, 0)
	require.NoError(t, err)

	var code int
	select {
	case code = <-exited:
	case <-ctx.Done():
		t.Fatal("process did not exit")
	}
	assert.Equal(t, 0, code)

	var hit bool
	for len(out.lines) > 0 {
		line := <-out.lines
		if strings.Contains(line, "breakpoint") && strings.Contains(line, "symbol=clock_nanosleep") {
			hit = true
		}
	}
	assert.True(t, hit, "clock_nanosleep breakpoint was not hit")
}

// lineWriter logs tracer output and keeps it for inspection.
type lineWriter struct {
	t     *testing.T
	lines chan string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	select {
	case w.lines <- string(p):
	default:
	}
	return len(p), nil
}

package main

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/ryanwilliams/buildsched/internal/manifest"
	"github.com/ryanwilliams/buildsched/internal/scheduler"
)

// execHandle wraps a started *exec.Cmd as a scheduler.ProcessHandle. Go has
// no non-blocking Cmd.Wait(), so a goroutine runs the blocking wait and
// reports the result over done; Poll does a non-blocking receive.
type execHandle struct {
	cmd  *exec.Cmd
	done chan error

	mu     sync.Mutex
	result *scheduler.ExitStatus
}

func startExecHandle(ctx context.Context, argv []string, workdir string) (*execHandle, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workdir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &execHandle{cmd: cmd, done: make(chan error, 1)}
	go func() { h.done <- cmd.Wait() }()
	return h, nil
}

func exitStatus(err error) scheduler.ExitStatus {
	if err == nil {
		return scheduler.ExitStatus{Code: 0}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return scheduler.ExitStatus{Code: exitErr.ExitCode()}
	}
	return scheduler.ExitStatus{Code: -1}
}

func (h *execHandle) finish(err error) scheduler.ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result == nil {
		status := exitStatus(err)
		h.result = &status
	}
	return *h.result
}

func (h *execHandle) Poll() (*scheduler.ExitStatus, error) {
	h.mu.Lock()
	if h.result != nil {
		r := *h.result
		h.mu.Unlock()
		return &r, nil
	}
	h.mu.Unlock()

	select {
	case err := <-h.done:
		status := h.finish(err)
		return &status, nil
	default:
		return nil, nil
	}
}

func (h *execHandle) Wait(ctx context.Context) (scheduler.ExitStatus, error) {
	h.mu.Lock()
	if h.result != nil {
		r := *h.result
		h.mu.Unlock()
		return r, nil
	}
	h.mu.Unlock()

	select {
	case err := <-h.done:
		return h.finish(err), nil
	case <-ctx.Done():
		return scheduler.ExitStatus{}, ctx.Err()
	}
}

func (h *execHandle) Terminate() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// spawnBatch runs every target's argv in batch sequentially within a single
// worker process slot, stopping at (and returning) the first one that fails.
// A batch whose targets all have empty argv (nothing to run) spawns no
// process at all, signaling "no work to do" per scheduler.SpawnFunc.
func spawnBatch(ctx context.Context) scheduler.SpawnFunc {
	return func(batch []scheduler.Target) (scheduler.ProcessHandle, error) {
		var cmds [][]string
		var workdir string
		for _, t := range batch {
			mt := t.(*manifest.Target)
			if len(mt.Argv) == 0 {
				continue
			}
			cmds = append(cmds, mt.Argv)
			if workdir == "" {
				workdir = mt.Workdir
			}
		}
		if len(cmds) == 0 {
			return nil, nil
		}
		// Wrap the batch's commands in a single shell invocation, " && "
		// chained, so the whole batch is one ProcessHandle with one exit
		// code, matching a worker slot 1:1.
		var script strings.Builder
		for i, argv := range cmds {
			if i > 0 {
				script.WriteString(" && ")
			}
			script.WriteString(shellJoin(argv))
		}
		return startExecHandle(ctx, []string{"sh", "-c", script.String()}, workdir)
	}
}

func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

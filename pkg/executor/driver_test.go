package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentiger/worker-runtime/pkg/types"
)

type fakeRunner struct {
	stdout, stderr string
	exitCode       int
	err            error
	sleep          time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, workdir, binary string, args []string, env []string) (string, string, int, error) {
	if f.sleep > 0 {
		select {
		case <-time.After(f.sleep):
		case <-ctx.Done():
			return "", "", -1, ctx.Err()
		}
	}
	return f.stdout, f.stderr, f.exitCode, f.err
}

func baseTask() *types.Task {
	return &types.Task{ID: "t1", Goal: "fix the bug", Commands: []string{"npm test"}}
}

func TestRunSuccess(t *testing.T) {
	d := newWithRunner(Config{TimeoutCapSeconds: 30, HardTimeoutGraceSeconds: 30}, &fakeRunner{stdout: "ok", exitCode: 0})
	result, err := d.Run(context.Background(), Request{Task: baseTask(), TimeoutSeconds: 5, Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestRunDeniedCommandShortCircuits(t *testing.T) {
	d := newWithRunner(Config{
		TimeoutCapSeconds:       30,
		HardTimeoutGraceSeconds: 30,
		DeniedCommandPatterns:   []string{"rm -rf"},
	}, &fakeRunner{exitCode: 0})

	task := baseTask()
	task.Commands = []string{"rm -rf /"}
	result, err := d.Run(context.Background(), Request{Task: task, TimeoutSeconds: 5, Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Stderr, "denied command pre-check")
}

func TestRunHardTimeoutGuardFabricatesFailure(t *testing.T) {
	d := newWithRunner(Config{TimeoutCapSeconds: 1, HardTimeoutGraceSeconds: 0}, &fakeRunner{sleep: 2 * time.Second})
	result, err := d.Run(context.Background(), Request{Task: baseTask(), TimeoutSeconds: 1, Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, -1, result.ExitCode)
	assert.Contains(t, result.Stderr, "Hard timeout guard exceeded")
}

func TestRunDoomLoopRetriesOnceWithRecoveryHint(t *testing.T) {
	runner := &fakeRunner{stderr: "doom loop detected in planning phase", exitCode: 1, err: assertErr{}}
	d := newWithRunner(Config{
		TimeoutCapSeconds:       30,
		HardTimeoutGraceSeconds: 30,
		ImmediateDoomRecovery:   true,
		DoomLoopMarkers:         DefaultDoomLoopMarkers,
	}, runner)

	result, err := d.Run(context.Background(), Request{Task: baseTask(), TimeoutSeconds: 10, Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.RetryCount)
}

func TestBuildPromptIncludesUpToThreeHints(t *testing.T) {
	req := Request{
		Task:       baseTask(),
		RetryHints: []string{"hint1", "hint2", "hint3", "hint4"},
	}
	prompt := buildPrompt(req)
	assert.True(t, strings.Contains(prompt, "hint1"))
	assert.True(t, strings.Contains(prompt, "hint3"))
	assert.False(t, strings.Contains(prompt, "hint4"))
}

type assertErr struct{}

func (assertErr) Error() string { return "exit status 1" }

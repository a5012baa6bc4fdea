// Package executor implements the Executor Driver (C3): it runs the LLM
// executor subprocess with a hard timeout guard, a denied-command pre-check,
// and doom-loop detection.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/opentiger/worker-runtime/pkg/log"
	"github.com/opentiger/worker-runtime/pkg/types"
)

// Request is everything the Driver needs to build a prompt and invoke the
// executor subprocess exactly once.
type Request struct {
	Workdir          string
	InstructionsPath string
	Task             *types.Task
	Model            string
	TimeoutSeconds   int
	Env              map[string]string
	RetryHints       []string // up to three most-recent failure hints
	HintSuffix       string   // recovery-mode prompt appended by a recovery loop
}

// Result is the executor port's documented return shape.
type Result struct {
	Success    bool
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
	RetryCount int
}

// Config is the Driver's static, process-wide configuration.
type Config struct {
	// BinaryPath is the executor CLI to invoke.
	BinaryPath string

	// TimeoutCapSeconds bounds the soft timeout regardless of the task's
	// own timebox (default 1800, see pkg/config).
	TimeoutCapSeconds int

	// HardTimeoutGraceSeconds is added to the soft timeout to produce the
	// hard timeout guard (default 30).
	HardTimeoutGraceSeconds int

	// DeniedCommandPatterns are regexes matched against every task command;
	// a match short-circuits the driver before spawning.
	DeniedCommandPatterns []string

	// DoomLoopMarkers are substrings of stderr that indicate the executor
	// entered a pathological planning-only state.
	DoomLoopMarkers []string

	// ImmediateDoomRecovery enables the single doom-loop retry.
	ImmediateDoomRecovery bool
}

// DefaultDoomLoopMarkers are the stock doom-loop phrases checked against
// executor output.
var DefaultDoomLoopMarkers = []string{
	"doom loop detected",
	"excessive planning chatter",
	"unsupported pseudo tool call",
}

// runner abstracts subprocess execution so tests can substitute a fake.
type runner interface {
	Run(ctx context.Context, workdir, binary string, args []string, env []string) (stdout, stderr string, exitCode int, err error)
}

// Driver runs the executor subprocess.
type Driver struct {
	cfg    Config
	runner runner
}

// New builds a Driver with the real subprocess runner.
func New(cfg Config) *Driver {
	return &Driver{cfg: cfg, runner: execRunner{}}
}

// newWithRunner is used by tests to substitute a fake subprocess runner.
func newWithRunner(cfg Config, r runner) *Driver {
	return &Driver{cfg: cfg, runner: r}
}

// Run invokes the executor once, applying the denied-command pre-check, the
// hard timeout guard, and (if the first attempt fails on a doom-loop marker
// and ImmediateDoomRecovery is set) a single reduced-timeout retry with a
// "Recovery Mode" prompt suffix.
func (d *Driver) Run(ctx context.Context, req Request) (*Result, error) {
	logger := log.WithTaskID(req.Task.ID)

	if denied, cmd := d.deniedCommand(req.Task.Commands); denied {
		return &Result{
			Success:  false,
			ExitCode: -1,
			Stderr:   fmt.Sprintf("denied command pre-check: %q matches policy denylist", cmd),
		}, nil
	}

	result, err := d.runOnce(ctx, req)
	if err != nil {
		return nil, err
	}

	if !result.Success && d.cfg.ImmediateDoomRecovery && containsAny(result.Stderr, d.cfg.DoomLoopMarkers) {
		logger.Warn().Msg("doom loop detected, retrying once in recovery mode")
		retryReq := req
		retryReq.TimeoutSeconds = reducedTimeout(req.TimeoutSeconds)
		retryReq.HintSuffix = recoveryModeSuffix
		retryResult, retryErr := d.runOnce(ctx, retryReq)
		if retryErr != nil {
			return nil, retryErr
		}
		retryResult.RetryCount = result.RetryCount + 1
		return retryResult, nil
	}

	return result, nil
}

const recoveryModeSuffix = "\n\nRecovery Mode: act directly without planning chatter. Do not explain your plan; make the edits now."

func reducedTimeout(soft int) int {
	reduced := soft / 2
	if reduced < 60 {
		reduced = 60
	}
	return reduced
}

func (d *Driver) runOnce(ctx context.Context, req Request) (*Result, error) {
	soft := req.TimeoutSeconds
	if soft <= 0 || soft > d.cfg.TimeoutCapSeconds {
		soft = d.cfg.TimeoutCapSeconds
	}
	hard := soft + d.cfg.HardTimeoutGraceSeconds

	hardCtx, cancel := context.WithTimeout(ctx, time.Duration(hard)*time.Second)
	defer cancel()

	args := buildArgs(req)
	env := envSlice(req.Env)

	type runOutcome struct {
		stdout, stderr string
		exitCode       int
		err            error
	}
	done := make(chan runOutcome, 1)
	started := time.Now()

	go func() {
		stdout, stderr, exitCode, err := d.runner.Run(hardCtx, req.Workdir, d.cfg.BinaryPath, args, env)
		done <- runOutcome{stdout, stderr, exitCode, err}
	}()

	select {
	case out := <-done:
		elapsed := time.Since(started).Milliseconds()
		if out.err != nil && hardCtx.Err() != nil {
			return fabricateHardTimeout(elapsed), nil
		}
		return &Result{
			Success:    out.err == nil,
			ExitCode:   out.exitCode,
			Stdout:     out.stdout,
			Stderr:     out.stderr,
			DurationMs: elapsed,
		}, nil
	case <-hardCtx.Done():
		// The race: the guard fired before the subprocess reported back.
		elapsed := time.Since(started).Milliseconds()
		return fabricateHardTimeout(elapsed), nil
	}
}

func fabricateHardTimeout(elapsedMs int64) *Result {
	return &Result{
		Success:    false,
		ExitCode:   -1,
		Stderr:     "Hard timeout guard exceeded: executor subprocess did not exit in time",
		DurationMs: elapsedMs,
	}
}

func buildArgs(req Request) []string {
	args := []string{"--model", req.Model, "--workdir", req.Workdir}
	if req.InstructionsPath != "" {
		args = append(args, "--instructions", req.InstructionsPath)
	}
	args = append(args, "--prompt", buildPrompt(req))
	return args
}

func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", req.Task.Goal)
	if len(req.Task.AllowedPaths) > 0 {
		fmt.Fprintf(&b, "Allowed paths: %s\n", strings.Join(req.Task.AllowedPaths, ", "))
	}
	if len(req.Task.Commands) > 0 {
		fmt.Fprintf(&b, "Verification commands: %s\n", strings.Join(req.Task.Commands, "; "))
	}
	if pr := req.Task.Context.PR; pr != nil {
		fmt.Fprintf(&b, "Pull request: #%d (%s -> %s)\n", pr.Number, pr.HeadRef, pr.BaseRef)
	}
	for i, hint := range limitHints(req.RetryHints, 3) {
		fmt.Fprintf(&b, "Prior attempt %d failed: %s\n", i+1, hint)
	}
	b.WriteString(req.HintSuffix)
	return b.String()
}

func limitHints(hints []string, max int) []string {
	if len(hints) <= max {
		return hints
	}
	return hints[:max]
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (d *Driver) deniedCommand(commands []string) (bool, string) {
	for _, cmd := range commands {
		for _, pattern := range d.cfg.DeniedCommandPatterns {
			if matched, _ := regexp.MatchString(pattern, cmd); matched {
				return true, cmd
			}
			if strings.Contains(cmd, pattern) {
				return true, cmd
			}
		}
	}
	return false, ""
}

func containsAny(haystack string, needles []string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// execRunner is the real subprocess runner, backed by os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, workdir, binary string, args []string, env []string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = workdir
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}
	return stdout.String(), stderr.String(), exitCode, err
}

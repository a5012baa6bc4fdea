// Package verify implements the Verification Engine (C4): it computes the
// changed-file set, classifies policy violations against allowed/denied
// path globs, runs verification commands in order, and optionally samples
// visual-probe artifacts. Path matching uses doublestar because allowed/
// denied glob patterns (src/**) need recursive-segment matching that
// path/filepath.Match cannot express.
package verify

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/opentiger/worker-runtime/pkg/types"
	"github.com/opentiger/worker-runtime/pkg/vcs"
)

// CommandSpec is one verification command paired with the source tag that
// gates whether verify recovery may retry it.
type CommandSpec struct {
	Command string
	Source  types.CommandSource
}

// Toggles are the feature flags the engine consults per run.
type Toggles struct {
	AllowLockfileOutsidePaths bool
	AllowEnvExampleOutsidePaths bool
	AllowNoChanges            bool
}

// Request bundles everything one verification pass needs.
type Request struct {
	RepoPath     string
	AllowedPaths []string
	DeniedPaths  []string
	BaseBranch   string
	HeadBranch   string
	Commands     []CommandSpec
	Toggles      Toggles

	// BeforeSnapshot, when set (in-place mode has no git diff to lean on),
	// is diffed against a fresh snapshot of RepoPath to compute ChangedFiles.
	BeforeSnapshot vcs.Snapshot

	// InlineRecoveryHandler is C5's callback for within-pass self-repair; it
	// may be nil.
	InlineRecoveryHandler InlineRecoveryHandler
}

// InlineRecoveryHandler lets the Recovery Orchestrator perform a single
// focused executor call mid-verification-pass without tearing down state.
type InlineRecoveryHandler func(ctx context.Context, call InlineRecoveryCall) error

// InlineRecoveryCall is the payload passed to the inline recovery handler.
type InlineRecoveryCall struct {
	Attempt                    int
	MaxAttempts                int
	FailedCommand              string
	Source                     types.CommandSource
	Stderr                     string
	PreviousExecuteFailureHint string
}

// CommandResult is the outcome of one verification command.
type CommandResult struct {
	Command  string
	Source   types.CommandSource
	ExitCode int
	Stderr   string
	Passed   bool
}

// Result is everything C5 and C7 need to decide what happens next.
type Result struct {
	Success             bool
	CommandResults      []CommandResult
	PolicyViolations    []types.PolicyViolation
	FailedCommand       string
	FailedCommandSource types.CommandSource
	FailedCommandStderr string
	FailureCode         types.FailureCode
	ChangedFiles        []string
	VisualProbeResults  []types.VisualProbeResult
}

// Engine is the Verification Engine (C4).
type Engine struct {
	vcs            vcs.VCS
	commandTimeout time.Duration
	probes         []VisualProbe
}

// New builds an Engine. commandTimeout defaults to 300s if zero is passed.
func New(v vcs.VCS, commandTimeout time.Duration, probes ...VisualProbe) *Engine {
	if commandTimeout <= 0 {
		commandTimeout = 300 * time.Second
	}
	return &Engine{vcs: v, commandTimeout: commandTimeout, probes: probes}
}

// Verify runs one full verification pass.
func (e *Engine) Verify(ctx context.Context, req Request) (*Result, error) {
	changed, err := e.changedFiles(ctx, req)
	if err != nil {
		return nil, err
	}

	violations := ClassifyPaths(changed, req.AllowedPaths, req.DeniedPaths, req.Toggles)

	result := &Result{
		ChangedFiles:     changed,
		PolicyViolations: violations,
	}

	for i, spec := range req.Commands {
		cmdResult := e.runCommand(ctx, req.RepoPath, spec)
		result.CommandResults = append(result.CommandResults, cmdResult)

		if !cmdResult.Passed {
			result.FailedCommand = cmdResult.Command
			result.FailedCommandSource = cmdResult.Source
			result.FailedCommandStderr = cmdResult.Stderr
			result.FailureCode = types.FailureVerificationCommand

			if req.InlineRecoveryHandler != nil {
				call := InlineRecoveryCall{
					Attempt:       1,
					MaxAttempts:   1,
					FailedCommand: cmdResult.Command,
					Source:        cmdResult.Source,
					Stderr:        cmdResult.Stderr,
				}
				if handlerErr := req.InlineRecoveryHandler(ctx, call); handlerErr == nil {
					retryResult := e.runCommand(ctx, req.RepoPath, spec)
					result.CommandResults[i] = retryResult
					if retryResult.Passed {
						result.FailedCommand = ""
						result.FailedCommandSource = ""
						result.FailedCommandStderr = ""
						result.FailureCode = ""
						continue
					}
				}
			}
			break
		}
	}

	if len(e.probes) > 0 {
		result.VisualProbeResults = e.runProbes(req)
	}

	result.Success = e.classifySuccess(req, result)
	if !result.Success && result.FailureCode == "" {
		if len(result.PolicyViolations) > 0 {
			result.FailureCode = types.FailurePolicyViolation
		} else if len(changed) == 0 {
			result.FailureCode = types.FailureNoActionableChanges
		}
	}

	return result, nil
}

func (e *Engine) runProbes(req Request) []types.VisualProbeResult {
	var results []types.VisualProbeResult
	for _, probe := range e.probes {
		result, err := probe.Sample(req.RepoPath)
		if err != nil {
			continue
		}
		results = append(results, result)
	}
	return results
}

// classifySuccess applies the meaningful-pass rule: when AllowNoChanges is
// set and no diff was produced, success requires at least one passing
// command (a no-op with zero verification commands never "meaningfully
// passes").
func (e *Engine) classifySuccess(req Request, result *Result) bool {
	if len(result.PolicyViolations) > 0 {
		return false
	}
	if result.FailedCommand != "" {
		return false
	}

	if len(result.ChangedFiles) == 0 {
		if !req.Toggles.AllowNoChanges {
			return false
		}
		return hasMeaningfulPass(result.CommandResults)
	}

	return true
}

func hasMeaningfulPass(results []CommandResult) bool {
	for _, r := range results {
		if r.Passed {
			return true
		}
	}
	return false
}

func (e *Engine) changedFiles(ctx context.Context, req Request) ([]string, error) {
	if req.BeforeSnapshot != nil {
		after, err := e.vcs.TakeSnapshot(req.RepoPath)
		if err != nil {
			return nil, err
		}
		diff := e.vcs.DiffSnapshots(req.BeforeSnapshot, after)
		return dedupeSorted(append(append(diff.Added, diff.Changed...), diff.Removed...)), nil
	}

	untracked, err := e.vcs.GetUntrackedFiles(ctx, req.RepoPath)
	if err != nil {
		untracked = nil
	}
	return untracked, nil
}

func dedupeSorted(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	var out []string
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) runCommand(ctx context.Context, repoPath string, spec CommandSpec) CommandResult {
	cmdCtx, cancel := context.WithTimeout(ctx, e.commandTimeout)
	defer cancel()

	parts := strings.Fields(spec.Command)
	if len(parts) == 0 {
		return CommandResult{Command: spec.Command, Source: spec.Source, Passed: true}
	}

	cmd := exec.CommandContext(cmdCtx, parts[0], parts[1:]...)
	cmd.Dir = repoPath

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}

	return CommandResult{
		Command:  spec.Command,
		Source:   spec.Source,
		ExitCode: exitCode,
		Stderr:   stderr.String(),
		Passed:   err == nil,
	}
}

// lockfileSuffixes are the lockfile base names exempted from policy
// classification when AllowLockfileOutsidePaths is set.
var lockfileSuffixes = []string{"package-lock.json", "yarn.lock", "pnpm-lock.yaml", "go.sum", "Cargo.lock"}

// ClassifyPaths classifies changed paths against allowed/denied globs.
// Lockfiles and .env.example are exempted when the corresponding toggle is
// set.
func ClassifyPaths(changed, allowed, denied []string, toggles Toggles) []types.PolicyViolation {
	var violations []types.PolicyViolation
	for _, path := range changed {
		if toggles.AllowLockfileOutsidePaths && isLockfile(path) {
			continue
		}
		if toggles.AllowEnvExampleOutsidePaths && filepath.Base(path) == ".env.example" {
			continue
		}

		if matchesAny(path, denied) {
			violations = append(violations, types.PolicyViolation{
				Path:    path,
				Source:  types.ViolationDenied,
				Message: "denied: " + path,
			})
			continue
		}

		if len(allowed) > 0 && !matchesAny(path, allowed) {
			violations = append(violations, types.PolicyViolation{
				Path:    path,
				Source:  types.ViolationOutsideAllowed,
				Message: "outside-allowed: " + path,
			})
		}
	}
	return violations
}

func isLockfile(path string) bool {
	base := filepath.Base(path)
	for _, suffix := range lockfileSuffixes {
		if base == suffix {
			return true
		}
	}
	return false
}

func matchesAny(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

// Package policyjudge implements the Policy Recovery Judge (C6): a small,
// short-timeboxed LLM call that classifies violating paths into
// allow/discard/deny sets. Unlike the Executor Driver (C3), which shells
// out to the executor CLI, the judge talks directly to the Anthropic
// Messages API via github.com/anthropics/anthropic-sdk-go — it performs one
// structured classification call, not a coding agent's file-editing tool
// loop. The call is wrapped in a github.com/sony/gobreaker circuit breaker
// so a provider outage degrades to "no decision" instead of hanging every
// task's recovery pass.
package policyjudge

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/sony/gobreaker"

	"github.com/opentiger/worker-runtime/pkg/log"
)

// ConcurrentTask is a limited snapshot of another in-flight task, so the
// judge can avoid claiming another task's area.
type ConcurrentTask struct {
	ID           string
	Status       string
	Role         string
	Title        string
	TargetArea   string
	Touches      []string
	AllowedPaths []string
}

// Request bundles everything the judge needs to classify one set of
// violating paths.
type Request struct {
	TaskID           string
	AllowedPaths     []string
	DeniedPaths      []string
	ViolatingPaths   []string
	PolicyViolations []string
	ChangedFiles     []string
	ConcurrentTasks  []ConcurrentTask // capped to 10 by the caller
}

// Decision is one raw, pre-sanitization classification from the LLM.
type Decision struct {
	Path   string `json:"path"`
	Action string `json:"action"` // "allow" | "discard" | "deny"
	Reason string `json:"reason"`
}

// rawResponse is the shape the judge's prompt asks the model to return.
type rawResponse struct {
	Decisions  []Decision `json:"decisions"`
	Summary    string     `json:"summary"`
	Confidence float64    `json:"confidence"`
}

// Result is the sanitized output: three disjoint path sets plus audit data.
type Result struct {
	AllowPaths   []string
	DiscardPaths []string
	DenyPaths    []string
	DroppedPaths []string
	Confidence   float64
	Model        string
	LatencyMs    int64
	Summary      string
}

// messagesAPI abstracts the Anthropic client call so tests can substitute a
// fake without hitting the network.
type messagesAPI interface {
	CreateMessage(ctx context.Context, model, prompt string) (string, error)
}

// Config is the judge's static configuration.
type Config struct {
	Enabled        bool
	Model          string // policyRecoveryModel, else the smallest model
	TimeoutSeconds int    // default 90
	APIKey         string
}

// Judge calls the policy recovery LLM and sanitizes its decisions.
type Judge struct {
	cfg Config
	api messagesAPI
	cb  *gobreaker.CircuitBreaker
}

// New builds a Judge backed by the real Anthropic API, wrapped in a circuit
// breaker that opens after consecutive failures and half-opens after a
// cooldown.
func New(cfg Config) *Judge {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "policy-recovery-judge",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Judge{cfg: cfg, api: anthropicMessagesAPI{apiKey: cfg.APIKey}, cb: cb}
}

// newWithAPI is used by tests to substitute a fake messagesAPI.
func newWithAPI(cfg Config, api messagesAPI) *Judge {
	return &Judge{cfg: cfg, api: api, cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "test"})}
}

// Decide runs the judge's LLM call in an isolated context (no parent-env
// inheritance is the caller's concern — the caller is expected to run this
// from a temporary working directory with zero subprocess spawned) and
// returns a sanitized Result, or nil if the judge is disabled, the circuit
// is open, or the response could not be parsed.
func (j *Judge) Decide(ctx context.Context, req Request) (*Result, error) {
	if !j.cfg.Enabled {
		return nil, nil
	}

	timeout := time.Duration(j.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	model := j.cfg.Model
	if model == "" {
		model = "claude-haiku-4-5"
	}

	start := time.Now()
	raw, err := j.cb.Execute(func() (interface{}, error) {
		return j.api.CreateMessage(callCtx, model, buildPrompt(req))
	})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		log.WithComponent("policyjudge").Warn().Err(err).Str("task_id", req.TaskID).Msg("policy judge call failed or circuit open; falling through to cleanup")
		return nil, nil
	}

	text, _ := raw.(string)
	parsed, ok := parseResponse(text)
	if !ok {
		return nil, nil
	}

	result := Sanitize(parsed, req)
	result.Model = model
	result.LatencyMs = latency
	return result, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are the policy recovery judge for an autonomous coding worker.\n")
	fmt.Fprintf(&b, "Task: %s\n", req.TaskID)
	fmt.Fprintf(&b, "Currently allowed paths: %s\n", strings.Join(req.AllowedPaths, ", "))
	fmt.Fprintf(&b, "Currently denied paths: %s\n", strings.Join(req.DeniedPaths, ", "))
	fmt.Fprintf(&b, "Violating paths: %s\n", strings.Join(req.ViolatingPaths, ", "))
	fmt.Fprintf(&b, "Policy violation messages: %s\n", strings.Join(req.PolicyViolations, "; "))
	fmt.Fprintf(&b, "Changed files: %s\n", strings.Join(req.ChangedFiles, ", "))
	if len(req.ConcurrentTasks) > 0 {
		b.WriteString("Concurrent tasks (avoid claiming their area):\n")
		for _, t := range req.ConcurrentTasks {
			fmt.Fprintf(&b, "  - %s [%s/%s] %q target=%s touches=%v allowed=%v\n",
				t.ID, t.Status, t.Role, t.Title, t.TargetArea, t.Touches, t.AllowedPaths)
		}
	}
	b.WriteString("\nFor each violating path, decide allow, discard, or deny. Respond with JSON only:\n")
	b.WriteString(`{"decisions":[{"path":"...","action":"allow|discard|deny","reason":"..."}],"summary":"...","confidence":0.0}`)
	return b.String()
}

// parseResponse collects JSON candidates from the model's text output:
// fenced code blocks, balanced-brace substrings, or the whole text. The
// first parseable {decisions, summary, confidence} shape is accepted.
func parseResponse(text string) (rawResponse, bool) {
	for _, candidate := range jsonCandidates(text) {
		var parsed rawResponse
		if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
			return parsed, true
		}
	}
	return rawResponse{}, false
}

func jsonCandidates(text string) []string {
	var candidates []string

	if fenced := extractFenced(text); fenced != "" {
		candidates = append(candidates, fenced)
	}
	if braced := extractBalancedBraces(text); braced != "" {
		candidates = append(candidates, braced)
	}
	candidates = append(candidates, strings.TrimSpace(text))

	return candidates
}

func extractFenced(text string) string {
	const fence = "```"
	start := strings.Index(text, fence)
	if start == -1 {
		return ""
	}
	rest := text[start+len(fence):]
	rest = strings.TrimPrefix(rest, "json")
	rest = strings.TrimPrefix(rest, "\n")
	end := strings.Index(rest, fence)
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

func extractBalancedBraces(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// Sanitize enforces the non-negotiable path rules: paths must be relative
// with no `..` and no glob metacharacters, must appear in
// violatingPaths (case-insensitively), and an allow decision whose path
// matches deniedPaths is demoted to deny. Dropped paths are reported.
func Sanitize(raw rawResponse, req Request) *Result {
	violating := make(map[string]string, len(req.ViolatingPaths)) // lower -> original
	for _, p := range req.ViolatingPaths {
		violating[strings.ToLower(p)] = p
	}

	result := &Result{Confidence: raw.Confidence, Summary: raw.Summary}

	for _, d := range raw.Decisions {
		original, ok := violating[strings.ToLower(d.Path)]
		if !ok || !isSafeRelativePath(d.Path) {
			result.DroppedPaths = append(result.DroppedPaths, d.Path)
			continue
		}

		action := d.Action
		if action == "allow" && matchesDenied(original, req.DeniedPaths) {
			action = "deny"
		}

		switch action {
		case "allow":
			result.AllowPaths = append(result.AllowPaths, original)
		case "discard":
			result.DiscardPaths = append(result.DiscardPaths, original)
		case "deny":
			result.DenyPaths = append(result.DenyPaths, original)
		default:
			result.DroppedPaths = append(result.DroppedPaths, original)
		}
	}

	return result
}

func isSafeRelativePath(p string) bool {
	if p == "" || path.IsAbs(p) {
		return false
	}
	if strings.Contains(p, "..") {
		return false
	}
	for _, meta := range []string{"*", "?", "[", "]", "{", "}"} {
		if strings.Contains(p, meta) {
			return false
		}
	}
	return true
}

func matchesDenied(p string, denied []string) bool {
	for _, d := range denied {
		if ok, _ := doublestar.Match(d, p); ok {
			return true
		}
	}
	return false
}

// anthropicMessagesAPI is the real Anthropic Messages API implementation of
// messagesAPI.
type anthropicMessagesAPI struct {
	apiKey string
}

func (a anthropicMessagesAPI) CreateMessage(ctx context.Context, model, prompt string) (string, error) {
	client := anthropic.NewClient(option.WithAPIKey(a.apiKey))

	message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("policyjudge: anthropic messages.new: %w", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

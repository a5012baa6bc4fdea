package policyjudge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	response string
	err      error
}

func (f fakeAPI) CreateMessage(ctx context.Context, model, prompt string) (string, error) {
	return f.response, f.err
}

func TestDecideDisabledReturnsNil(t *testing.T) {
	j := newWithAPI(Config{Enabled: false}, fakeAPI{})
	result, err := j.Decide(context.Background(), Request{})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestDecideParsesFencedJSON(t *testing.T) {
	resp := "Here is my decision:\n```json\n" +
		`{"decisions":[{"path":"src/extra.ts","action":"allow","reason":"helper file"}],"summary":"ok","confidence":0.9}` +
		"\n```\nThanks."
	j := newWithAPI(Config{Enabled: true, TimeoutSeconds: 5}, fakeAPI{response: resp})

	result, err := j.Decide(context.Background(), Request{
		TaskID:         "t1",
		ViolatingPaths: []string{"src/extra.ts"},
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, []string{"src/extra.ts"}, result.AllowPaths)
	assert.Equal(t, 0.9, result.Confidence)
}

func TestDecideParsesBalancedBracesWithoutFence(t *testing.T) {
	resp := `some preamble {"decisions":[{"path":"src/x.ts","action":"discard","reason":"scratch file"}],"summary":"s","confidence":0.5} trailing`
	j := newWithAPI(Config{Enabled: true}, fakeAPI{response: resp})

	result, err := j.Decide(context.Background(), Request{ViolatingPaths: []string{"src/x.ts"}})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, []string{"src/x.ts"}, result.DiscardPaths)
}

func TestDecideUnparseableResponseReturnsNil(t *testing.T) {
	j := newWithAPI(Config{Enabled: true}, fakeAPI{response: "not json at all"})
	result, err := j.Decide(context.Background(), Request{ViolatingPaths: []string{"a.ts"}})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestDecideAPIErrorReturnsNilNotError(t *testing.T) {
	j := newWithAPI(Config{Enabled: true}, fakeAPI{err: assertErr{}})
	result, err := j.Decide(context.Background(), Request{ViolatingPaths: []string{"a.ts"}})
	require.NoError(t, err)
	assert.Nil(t, result)
}

type assertErr struct{}

func (assertErr) Error() string { return "network error" }

func TestSanitizeDropsUnsafePaths(t *testing.T) {
	raw := rawResponse{
		Decisions: []Decision{
			{Path: "../etc/passwd", Action: "allow"},
			{Path: "src/*.ts", Action: "allow"},
			{Path: "not/in/violating.ts", Action: "allow"},
			{Path: "src/ok.ts", Action: "allow"},
		},
	}
	req := Request{ViolatingPaths: []string{"src/ok.ts"}}

	result := Sanitize(raw, req)
	assert.Equal(t, []string{"src/ok.ts"}, result.AllowPaths)
	assert.ElementsMatch(t, []string{"../etc/passwd", "src/*.ts", "not/in/violating.ts"}, result.DroppedPaths)
}

func TestSanitizeDemotesAllowMatchingDeniedToD(t *testing.T) {
	raw := rawResponse{
		Decisions: []Decision{
			{Path: "secrets/key.pem", Action: "allow"},
		},
	}
	req := Request{
		ViolatingPaths: []string{"secrets/key.pem"},
		DeniedPaths:    []string{"secrets/key.pem"},
	}

	result := Sanitize(raw, req)
	assert.Empty(t, result.AllowPaths)
	assert.Equal(t, []string{"secrets/key.pem"}, result.DenyPaths)
}

func TestSanitizeDemotesAllowMatchingDeniedGlobToDeny(t *testing.T) {
	raw := rawResponse{
		Decisions: []Decision{
			{Path: "secrets/.env", Action: "allow"},
		},
	}
	req := Request{
		ViolatingPaths: []string{"secrets/.env"},
		DeniedPaths:    []string{"secrets/**"},
	}

	result := Sanitize(raw, req)
	assert.Empty(t, result.AllowPaths)
	assert.Equal(t, []string{"secrets/.env"}, result.DenyPaths)
}

func TestSanitizeCaseInsensitiveMatch(t *testing.T) {
	raw := rawResponse{
		Decisions: []Decision{
			{Path: "SRC/Ok.TS", Action: "allow"},
		},
	}
	req := Request{ViolatingPaths: []string{"src/Ok.TS"}}

	result := Sanitize(raw, req)
	require.Len(t, result.AllowPaths, 1)
	assert.Equal(t, "src/Ok.TS", result.AllowPaths[0])
}

func TestBuildPromptIncludesConcurrentTasks(t *testing.T) {
	prompt := buildPrompt(Request{
		TaskID:         "t1",
		ViolatingPaths: []string{"a.ts"},
		ConcurrentTasks: []ConcurrentTask{
			{ID: "t2", Status: "in_progress", Role: "feature", Title: "other work", TargetArea: "src/other"},
		},
	})
	assert.Contains(t, prompt, "t2")
	assert.Contains(t, prompt, "src/other")
}

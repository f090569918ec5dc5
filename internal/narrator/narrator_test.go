package narrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-rooms/internal/agentexec"
)

type fakeProvider struct {
	name     string
	prefix   string
	answers  map[string]string
	calls    []string
	blockFor time.Duration
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Supports(model string) bool {
	return strings.HasPrefix(model, f.prefix)
}

func (f *fakeProvider) Generate(ctx context.Context, model string, _ Request) (string, error) {
	f.calls = append(f.calls, model)
	if f.blockFor > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.blockFor):
		}
	}
	if out, ok := f.answers[model]; ok {
		return out, nil
	}
	return "", errors.New("model unavailable")
}

func TestNarrate_FallsBackThroughChain(t *testing.T) {
	gem := &fakeProvider{name: "gemini", prefix: "gemini", answers: map[string]string{"gemini-b": "  the room hums  "}}
	n := New(Config{Models: []string{"gemini-a", "gemini-b"}, Providers: []Provider{gem}})

	res := n.Narrate(context.Background(), Request{Model: "gemini-a", Prompt: "p"})
	if !res.OK || res.Output != "the room hums" || res.Model != "gemini-b" {
		t.Fatalf("unexpected result %+v", res)
	}
	if strings.Join(gem.calls, ",") != "gemini-a,gemini-b" {
		t.Fatalf("calls = %v (request model should not be retried)", gem.calls)
	}
}

func TestNarrate_AgentDefaultIsLastResort(t *testing.T) {
	gem := &fakeProvider{name: "gemini", prefix: "gemini"}
	agent := &fakeProvider{name: "agent", prefix: "", answers: map[string]string{"": "fallback prose"}}
	n := New(Config{Models: []string{"gemini-a"}, Providers: []Provider{gem, agent}})

	res := n.Narrate(context.Background(), Request{Prompt: "p"})
	if !res.OK || res.Output != "fallback prose" || res.Model != "agent" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestNarrate_AllFail(t *testing.T) {
	gem := &fakeProvider{name: "gemini", prefix: "gemini", answers: map[string]string{"gemini-a": "   "}}
	n := New(Config{Models: []string{"gemini-a"}, Providers: []Provider{gem}})
	res := n.Narrate(context.Background(), Request{Prompt: "p"})
	if res.OK || res.Err == nil {
		t.Fatalf("expected failure, got %+v", res)
	}

	empty := New(Config{})
	if res := empty.Narrate(context.Background(), Request{Prompt: "p"}); res.OK || res.Err == nil {
		t.Fatalf("expected failure with no providers, got %+v", res)
	}
}

func TestNarrate_TimeoutBoundsChain(t *testing.T) {
	slow := &fakeProvider{name: "gemini", prefix: "gemini", blockFor: time.Second}
	n := New(Config{Models: []string{"gemini-a", "gemini-b", "gemini-c"}, Providers: []Provider{slow}})

	start := time.Now()
	res := n.Narrate(context.Background(), Request{Prompt: "p", Timeout: 50 * time.Millisecond})
	if res.OK {
		t.Fatal("expected timeout failure")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("chain ignored timeout: %s", time.Since(start))
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", res.Err)
	}
}

type fakeExec struct {
	res agentexec.AgentResult
	err error
	got agentexec.AgentRequest
}

func (f *fakeExec) ExecuteAgent(_ context.Context, req agentexec.AgentRequest) (agentexec.AgentResult, error) {
	f.got = req
	return f.res, f.err
}

func TestAgentProvider(t *testing.T) {
	ok := &fakeExec{res: agentexec.AgentResult{Output: "story"}}
	a := NewAgent(ok)
	out, err := a.Generate(context.Background(), "haiku", Request{Prompt: "p", SystemPrompt: "s", MaxTurns: 1})
	if err != nil || out != "story" {
		t.Fatalf("generate = %q, %v", out, err)
	}
	if ok.got.Model != "haiku" || ok.got.SystemPrompt != "s" || ok.got.MaxTurns != 1 {
		t.Fatalf("request not forwarded: %+v", ok.got)
	}
	if a.Supports("gemini-2.5-flash") || !a.Supports("") {
		t.Fatal("agent provider should skip gemini models and accept the default")
	}

	bad := NewAgent(&fakeExec{res: agentexec.AgentResult{TimedOut: true, ExitCode: -1}})
	if _, err := bad.Generate(context.Background(), "", Request{}); err == nil {
		t.Fatal("expected error for timed out agent")
	}
}

func TestNewGemini_RequiresKey(t *testing.T) {
	if _, err := NewGemini(context.Background(), " "); err == nil {
		t.Fatal("expected error without api key")
	}
}

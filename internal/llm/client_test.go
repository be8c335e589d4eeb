package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

func TestNewSelectsProvider(t *testing.T) {
	c, err := New(Config{Provider: "mock"})
	if err != nil {
		t.Fatalf("New(mock): %v", err)
	}
	if c.Name() != "mock" {
		t.Errorf("name = %s, want mock", c.Name())
	}

	c, err = New(Config{Provider: "codex", Binary: "/usr/bin/codex"})
	if err != nil {
		t.Fatalf("New(codex): %v", err)
	}
	if c.Name() != "codex" {
		t.Errorf("name = %s, want codex", c.Name())
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(Config{Provider: "openai"})
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
	ue := models.AsUserError(err)
	if ue == nil || ue.Code != models.CodeConfigInvalid {
		t.Errorf("error = %v, want config_invalid", err)
	}
}

func TestNewAnthropicRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := New(Config{Provider: "anthropic"})
	if err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestMockScriptAndPrompts(t *testing.T) {
	m := NewMockClient("first", "second")
	ctx := context.Background()

	for i, want := range []string{"first", "second", "second"} {
		resp, err := m.Complete(ctx, Request{Prompt: "p"})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if resp.Text != want {
			t.Errorf("call %d: text = %q, want %q", i, resp.Text, want)
		}
	}
	if got := len(m.Prompts()); got != 3 {
		t.Errorf("recorded %d prompts, want 3", got)
	}
}

func TestMockHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockClient().Complete(ctx, Request{Prompt: "p"}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestSchemaParsing(t *testing.T) {
	schema := json.RawMessage(`{"type":"object"}`)
	cases := []struct {
		name string
		text string
		want string
	}{
		{"plain json", `{"ok":true}`, `{"ok":true}`},
		{"fenced", "```json\n{\"ok\":true}\n```", `{"ok":true}`},
		{"wrapped in prose", `Here you go: {"ok":true} enjoy`, `{"ok":true}`},
		{"array", `[1,2,3]`, `[1,2,3]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMockClient(tc.text)
			resp, err := m.Complete(context.Background(), Request{Prompt: "p", Schema: schema})
			if err != nil {
				t.Fatal(err)
			}
			if string(resp.Parsed) != tc.want {
				t.Errorf("parsed = %q, want %q", resp.Parsed, tc.want)
			}
		})
	}

	m := NewMockClient("no json here")
	resp, err := m.Complete(context.Background(), Request{Prompt: "p", Schema: schema})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Parsed != nil {
		t.Errorf("parsed = %q, want nil for non-JSON text", resp.Parsed)
	}
}

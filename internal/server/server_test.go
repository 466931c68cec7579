package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/parley-ai/parley/internal/budget"
	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/gateway"
	"github.com/parley-ai/parley/internal/memgate"
	"github.com/parley-ai/parley/internal/orchestrator"
	"github.com/parley-ai/parley/internal/signature"
	"github.com/parley-ai/parley/internal/toolreg"
	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/provider/llm/mock"
)

type staticBiller struct{}

func (staticBiller) Balance(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(10), nil
}
func (staticBiller) GlobalBalance(context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(10), nil
}
func (staticBiller) BillForMonth(context.Context, decimal.Decimal, string) error {
	return nil
}

func newTestServer(t *testing.T, provider *mock.Provider) *Server {
	t.Helper()

	gw, err := gateway.New(map[string]llm.Provider{"openai": provider}, "openai", nil)
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	bud, err := budget.New(staticBiller{}, "openai/gpt-4o-mini")
	if err != nil {
		t.Fatalf("budget.New: %v", err)
	}
	mem, err := memgate.New(gw)
	if err != nil {
		t.Fatalf("memgate.New: %v", err)
	}
	signer, err := signature.New([]byte("test-key"))
	if err != nil {
		t.Fatalf("signature.New: %v", err)
	}
	orch, err := orchestrator.New(gw, toolreg.New(), bud, mem, signer)
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	auth, err := NewAuthenticator([]byte("jwt-secret"))
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	srv, err := New(orch, auth)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

// TestStreamSSE verifies the SSE framing of a full turn: padding comment
// first, then typed events, each as "event: <type>" plus a JSON data line.
func TestStreamSSE(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		ModelCapabilities: llm.ModelCapabilities{SupportsStreaming: true},
		StreamScript: [][]llm.Chunk{{
			{Text: "Hello"},
			{Text: " world", FinishReason: "stop"},
		}},
	}
	srv := newTestServer(t, provider)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	body := `{"turns":[{"role":"user","content":"hi"}],"model":"openai/gpt-4o"}`
	resp, err := http.Post(ts.URL+"/v1/chat/stream", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", got)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	text := string(raw)

	if !strings.HasPrefix(text, ": ") {
		t.Error("stream does not open with the padding comment")
	}
	for _, want := range []string{"event: chunk", "event: signature", "event: done"} {
		if !strings.Contains(text, want) {
			t.Errorf("stream missing %q:\n%s", want, text)
		}
	}

	// The first chunk event must carry the first delta.
	idx := strings.Index(text, "event: chunk\ndata: ")
	if idx < 0 {
		t.Fatal("no chunk event with data line")
	}
	line := text[idx+len("event: chunk\ndata: "):]
	line = line[:strings.Index(line, "\n")]
	var ev chat.Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		t.Fatalf("decoding chunk data %q: %v", line, err)
	}
	if ev.Delta != "Hello" {
		t.Errorf("first chunk delta = %q, want Hello", ev.Delta)
	}
}

// TestStreamRejectsBadRequest verifies request validation.
func TestStreamRejectsBadRequest(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &mock.Provider{})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "certainly not json"},
		{name: "no turns", body: `{"model":"openai/gpt-4o"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, err := http.Post(ts.URL+"/v1/chat/stream", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

// TestIdentify verifies bearer-token identity extraction and its fail-to-
// anonymous behaviour.
func TestIdentify(t *testing.T) {
	t.Parallel()
	auth, err := NewAuthenticator([]byte("jwt-secret"))
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	token, err := auth.IssueToken("acct-42")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	otherAuth, err := NewAuthenticator([]byte("different-secret"))
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	foreignToken, err := otherAuth.IssueToken("acct-42")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	tests := []struct {
		name       string
		header     string
		wantAcct   string
		wantAuthed bool
	}{
		{name: "valid token", header: "Bearer " + token, wantAcct: "acct-42", wantAuthed: true},
		{name: "no header"},
		{name: "not bearer", header: "Basic abc"},
		{name: "garbage token", header: "Bearer not.a.jwt"},
		{name: "wrong signing key", header: "Bearer " + foreignToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			acct, authed := auth.Identify(r)
			if acct != tt.wantAcct || authed != tt.wantAuthed {
				t.Errorf("Identify = (%q, %t), want (%q, %t)", acct, authed, tt.wantAcct, tt.wantAuthed)
			}
		})
	}
}

// TestIdentityComesFromToken verifies the request body cannot claim an
// account; only the bearer token sets identity.
func TestIdentityComesFromToken(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		ModelCapabilities: llm.ModelCapabilities{SupportsStreaming: true},
		StreamScript:      [][]llm.Chunk{{{Text: "ok", FinishReason: "stop"}}},
	}
	srv := newTestServer(t, provider)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	// The body claims authentication and declares a memory index. If the
	// claim were honoured the memory gate would issue a structured call; a
	// request stamped anonymous skips negotiation entirely.
	body := `{"turns":[{"role":"user","content":"hi"}],"account_id":"acct-spoofed","authenticated":true,"memory_index":["projects"]}`
	resp, err := http.Post(ts.URL+"/v1/chat/stream", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if len(provider.CompleteCalls) != 0 {
		t.Error("spoofed identity triggered memory negotiation")
	}
	if len(provider.StreamCalls) != 1 {
		t.Errorf("stream calls = %d, want 1", len(provider.StreamCalls))
	}
}

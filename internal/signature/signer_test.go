package signature

import (
	"strings"
	"testing"

	"github.com/parley-ai/parley/internal/chat"
)

// sampleTurns returns a small prompt sequence used across tests.
func sampleTurns() []chat.Turn {
	return []chat.Turn{
		{Role: chat.RoleSystem, Content: "You are a helpful assistant."},
		{Role: chat.RoleUser, Content: "What is the capital of France?"},
		{Role: chat.RoleAssistant, Content: "The capital of France is Paris."},
	}
}

// TestNewEmptySecret verifies that an empty secret is rejected.
func TestNewEmptySecret(t *testing.T) {
	t.Parallel()
	if _, err := New(nil); err == nil {
		t.Error("expected error for empty secret, got nil")
	}
}

// TestSignDeterministic verifies that signing the same sequence twice yields
// byte-identical signatures.
func TestSignDeterministic(t *testing.T) {
	t.Parallel()
	s, err := New([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first := s.Sign(sampleTurns())
	second := s.Sign(sampleTurns())
	if first != second {
		t.Errorf("signatures differ: %q vs %q", first, second)
	}
	if first == "" {
		t.Error("signature is empty")
	}
}

// TestVerifyRoundTrip verifies that Sign/Verify agree.
func TestVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	s, err := New([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	turns := sampleTurns()
	sig := s.Sign(turns)
	if !s.Verify(turns, sig) {
		t.Error("Verify rejected a freshly produced signature")
	}
}

// TestVerifyRejectsMutations verifies that any single-byte mutation of the
// signature or of any turn content fails verification.
func TestVerifyRejectsMutations(t *testing.T) {
	t.Parallel()
	s, err := New([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	turns := sampleTurns()
	sig := s.Sign(turns)

	// Mutate each hex digit of the signature.
	for i := range sig {
		mutated := []byte(sig)
		if mutated[i] == 'a' {
			mutated[i] = 'b'
		} else {
			mutated[i] = 'a'
		}
		if s.Verify(turns, string(mutated)) {
			t.Fatalf("Verify accepted signature mutated at byte %d", i)
		}
	}

	// Mutate one byte of each turn's content.
	for i := range turns {
		mutated := make([]chat.Turn, len(turns))
		copy(mutated, turns)
		mutated[i].Content = strings.Replace(mutated[i].Content, "a", "e", 1)
		if mutated[i].Content == turns[i].Content {
			mutated[i].Content += "."
		}
		if s.Verify(mutated, sig) {
			t.Fatalf("Verify accepted sequence with turn %d mutated", i)
		}
	}
}

// TestVerifyRejectsMalformedHex verifies that non-hex input never validates.
func TestVerifyRejectsMalformedHex(t *testing.T) {
	t.Parallel()
	s, err := New([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Verify(sampleTurns(), "not-hex-at-all") {
		t.Error("Verify accepted malformed hex")
	}
}

// TestDifferentKeysDisagree verifies that two signers with different secrets
// never produce interchangeable signatures.
func TestDifferentKeysDisagree(t *testing.T) {
	t.Parallel()
	a, _ := New([]byte("secret-a"))
	b, _ := New([]byte("secret-b"))

	sig := a.Sign(sampleTurns())
	if b.Verify(sampleTurns(), sig) {
		t.Error("signer b accepted a signature from signer a")
	}
}

package ca

import (
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	payload := []byte(`{"agent_id":"a-1","grade":"A"}`)
	sig := a.Sign(payload)
	if !a.Verify(payload, sig) {
		t.Fatalf("expected signature to verify")
	}
	if !Verify(payload, sig, a.PublicKey()) {
		t.Fatalf("expected third-party verify to succeed")
	}
}

func TestVerifyRejectsMutatedPayload(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	payload := []byte(`{"agent_id":"a-1","grade":"A"}`)
	sig := a.Sign(payload)
	mutated := []byte(`{"agent_id":"a-1","grade":"B"}`)
	if a.Verify(mutated, sig) {
		t.Fatalf("mutated payload must not verify")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a.Verify([]byte("data"), "not-hex") {
		t.Fatalf("non-hex signature must not verify")
	}
	if a.Verify([]byte("data"), "abcd") {
		t.Fatalf("truncated signature must not verify")
	}
	if Verify([]byte("data"), a.Sign([]byte("data")), []byte("short")) {
		t.Fatalf("bad public key must not verify")
	}
}

func TestLoadOrGeneratePersistsKey(t *testing.T) {
	dir := t.TempDir()
	a1, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	a2, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if a1.PublicKeyHex() != a2.PublicKeyHex() {
		t.Fatalf("expected the same key after reload, got %s vs %s", a1.PublicKeyHex(), a2.PublicKeyHex())
	}
	sig := a1.Sign([]byte("payload"))
	if !a2.Verify([]byte("payload"), sig) {
		t.Fatalf("reloaded key must verify signatures from the original")
	}
}

func TestParsePublicKey(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub, err := ParsePublicKey(a.PublicKeyHex())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !Verify([]byte("x"), a.Sign([]byte("x")), pub) {
		t.Fatalf("parsed key must verify")
	}
	if _, err := ParsePublicKey("zz"); err == nil {
		t.Fatalf("expected error for invalid hex")
	}
	if _, err := ParsePublicKey("abcd"); err == nil {
		t.Fatalf("expected error for short key")
	}
}

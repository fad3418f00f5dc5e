package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCanonicalizeJSON(t *testing.T) {
	t.Run("sorts_keys_and_strips_whitespace", func(t *testing.T) {
		got, err := CanonicalizeJSON(json.RawMessage(`{ "b" : "2", "a" : "1" }`))
		if err != nil {
			t.Fatalf("canonicalize: %v", err)
		}
		if string(got) != `{"a":"1","b":"2"}` {
			t.Fatalf("unexpected canonical form: %s", got)
		}
	})

	t.Run("nested_and_arrays", func(t *testing.T) {
		got, err := CanonicalizeJSON(json.RawMessage(`{"z":[{"y":true,"x":null}],"a":7}`))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != `{"a":7,"z":[{"x":null,"y":true}]}` {
			t.Fatalf("unexpected canonical form: %s", got)
		}
	})

	t.Run("rejects_floats", func(t *testing.T) {
		if _, err := CanonicalizeJSON(json.RawMessage(`{"amount":1.5}`)); err == nil {
			t.Fatal("expected float rejection")
		}
		if _, err := CanonicalizeJSON(json.RawMessage(`{"amount":1e3}`)); err == nil {
			t.Fatal("expected exponent rejection")
		}
	})

	t.Run("normalizes_integer_form", func(t *testing.T) {
		got, err := CanonicalizeJSON(json.RawMessage(`{"n":007}`))
		// 007 is invalid JSON; the decoder rejects it before number handling.
		if err == nil {
			t.Fatalf("expected decode error, got %s", got)
		}
	})
}

func TestValidateNoJSONNumbers(t *testing.T) {
	if err := ValidateNoJSONNumbers(json.RawMessage(`{"amount":"1000","chain_id":8453}`)); err != nil {
		t.Fatalf("integers are fine: %v", err)
	}
	if err := ValidateNoJSONNumbers(json.RawMessage(`{"amount":10.5}`)); err == nil {
		t.Fatal("expected float token rejection")
	}
	if err := ValidateNoJSONNumbers(json.RawMessage(`{"nested":[{"fee":2e2}]}`)); err == nil {
		t.Fatal("expected nested exponent rejection")
	}
}

func TestKeccak256Hex(t *testing.T) {
	// Known keccak-256 vector: keccak("") and keccak("abc").
	if got := Keccak256Hex(); got != "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470" {
		t.Fatalf("empty digest mismatch: %s", got)
	}
	if got := Keccak256Hex([]byte("abc")); got != "0x4e03657aea45a94fc7d47ba826c8d667c0d1e6e33a64a036ec44f58fa12d6c45" {
		t.Fatalf("abc digest mismatch: %s", got)
	}
	// Concatenation of parts equals single-buffer hashing.
	if Keccak256Hex([]byte("ab"), []byte("c")) != Keccak256Hex([]byte("abc")) {
		t.Fatal("part concatenation changed the digest")
	}
}

func TestScopeHash(t *testing.T) {
	a := ScopeHash("0xAAAA", "0xBBBB")
	b := ScopeHash(" 0xaaaa ", "0xbbbb")
	if a != b {
		t.Fatal("scope hash must be case and whitespace insensitive")
	}
	if a == ScopeHash("0xaaaa", "0xcccc") {
		t.Fatal("different profiles must differ")
	}
}

func TestEnvelopeHashDeterminism(t *testing.T) {
	env := Envelope{
		To:        "0x2222222222222222222222222222222222222222",
		Value:     "1000",
		Calldata:  "0xdeadbeef",
		ChainID:   8453,
		Route:     RouteDirect,
		SessionID: "s-1",
	}
	h1, err := EnvelopeHash(env)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := EnvelopeHash(env)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 || !strings.HasPrefix(h1, "0x") {
		t.Fatalf("hash not deterministic: %s vs %s", h1, h2)
	}
	env.Value = "1001"
	h3, _ := EnvelopeHash(env)
	if h3 == h1 {
		t.Fatal("value change must change the hash")
	}
}

func TestDelegationBinding(t *testing.T) {
	grant := DelegationGrant{
		DelegateKey:       "dk",
		Owner:             "owner",
		SpendCap:          "5000",
		Expiry:            "2026-09-01T00:00:00Z",
		ScopeHash:         "0xscope",
		SessionID:         "s-1",
		Nonce:             "n-1",
		ChainID:           8453,
		VerifyingContract: "0xcc",
		Signature:         DelegationSignature{Alg: "ed25519", Sig: "sig"},
	}
	binding, err := DelegationBinding(grant)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(binding), "sig") && strings.Contains(string(binding), "signature") {
		t.Fatalf("signature must not be part of the binding: %s", binding)
	}
	grant.Signature.Sig = "other"
	binding2, _ := DelegationBinding(grant)
	if string(binding) != string(binding2) {
		t.Fatal("binding must be independent of the signature")
	}
	grant.Nonce = "n-2"
	binding3, _ := DelegationBinding(grant)
	if string(binding) == string(binding3) {
		t.Fatal("nonce change must change the binding")
	}
}

func TestParseAmount(t *testing.T) {
	if n, err := ParseAmount(" 1000 "); err != nil || n.String() != "1000" {
		t.Fatalf("expected 1000, got %v %v", n, err)
	}
	for _, bad := range []string{"", "-5", "1.5", "1e3", "0x10", "abc"} {
		if _, err := ParseAmount(bad); err == nil {
			t.Errorf("%q: expected rejection", bad)
		}
	}
	if n, err := ParseAmount("0"); err != nil || n.Sign() != 0 {
		t.Fatalf("zero is a valid amount: %v %v", n, err)
	}
}

func TestAmountCovers(t *testing.T) {
	ok, err := AmountCovers("1000", "999")
	if err != nil || !ok {
		t.Fatalf("1000 covers 999: %v %v", ok, err)
	}
	ok, err = AmountCovers("1000", "1000")
	if err != nil || !ok {
		t.Fatalf("equal covers: %v %v", ok, err)
	}
	ok, err = AmountCovers("999", "1000")
	if err != nil || ok {
		t.Fatalf("999 does not cover 1000: %v %v", ok, err)
	}
	if _, err := AmountCovers("abc", "1"); err == nil {
		t.Fatal("expected parse error")
	}
}

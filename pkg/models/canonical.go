package models

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"sort"
	"strings"

	"golang.org/x/crypto/sha3"
)

// CanonicalizeJSON returns a RFC 8785-compatible canonical form for a
// restricted JSON subset. Numbers must be integers; non-integers must be
// represented as decimal strings.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ValidateNoJSONNumbers enforces that no floating-point numeric tokens appear
// in JSON. Monetary values travel as decimal strings.
func ValidateNoJSONNumbers(raw json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if hasInvalidNumberToken(v) {
		return errors.New("floating-point JSON tokens are not allowed; use decimal strings")
	}
	return nil
}

func hasInvalidNumberToken(v interface{}) bool {
	switch t := v.(type) {
	case json.Number:
		return strings.ContainsAny(t.String(), ".eE")
	case map[string]interface{}:
		for _, vv := range t {
			if hasInvalidNumberToken(vv) {
				return true
			}
		}
	case []interface{}:
		for _, vv := range t {
			if hasInvalidNumberToken(vv) {
				return true
			}
		}
	}
	return false
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		s := t.String()
		if strings.ContainsAny(s, ".eE") {
			return errors.New("float numbers not supported in canonical form")
		}
		i := new(big.Int)
		if _, ok := i.SetString(s, 10); !ok {
			return errors.New("invalid number")
		}
		buf.WriteString(i.String())
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValue(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteString(":")
			if err := canonicalizeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return errors.New("unsupported json type")
	}
	return nil
}

// Keccak256Hex hashes the concatenation of parts with legacy Keccak-256 and
// returns a 0x-prefixed hex digest. Keccak is used for everything that must
// agree with EVM-side hashing: scope hashes, code hashes, NAT commitments.
func Keccak256Hex(parts ...[]byte) string {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// ScopeHash binds a delegation's scope to the settlement contract and the
// merchant profile it was granted for.
func ScopeHash(verifyingContract, profileHash string) string {
	return Keccak256Hex(
		[]byte(strings.ToLower(strings.TrimSpace(verifyingContract))),
		[]byte("|"),
		[]byte(strings.ToLower(strings.TrimSpace(profileHash))),
	)
}

// CanonicalEnvelope returns the canonical serialized form of an envelope.
// Two instances given the same validated session state must produce these
// exact bytes.
func CanonicalEnvelope(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return CanonicalizeJSON(raw)
}

// EnvelopeHash is the Keccak-256 digest of the canonical envelope form,
// referenced by ACCEPT payloads.
func EnvelopeHash(env Envelope) (string, error) {
	canon, err := CanonicalEnvelope(env)
	if err != nil {
		return "", err
	}
	return Keccak256Hex(canon), nil
}

// DelegationBinding returns the canonical byte string a delegation signature
// is computed over: every grant field except the signature itself.
func DelegationBinding(grant DelegationGrant) ([]byte, error) {
	binding := struct {
		DelegateKey       string `json:"delegate_key"`
		Owner             string `json:"owner"`
		SpendCap          string `json:"spend_cap"`
		Expiry            string `json:"expiry"`
		ScopeHash         string `json:"scope_hash"`
		SessionID         string `json:"session_id"`
		Nonce             string `json:"nonce"`
		ChainID           uint64 `json:"chain_id"`
		VerifyingContract string `json:"verifying_contract"`
	}{
		DelegateKey:       grant.DelegateKey,
		Owner:             grant.Owner,
		SpendCap:          grant.SpendCap,
		Expiry:            grant.Expiry,
		ScopeHash:         grant.ScopeHash,
		SessionID:         grant.SessionID,
		Nonce:             grant.Nonce,
		ChainID:           grant.ChainID,
		VerifyingContract: grant.VerifyingContract,
	}
	raw, err := json.Marshal(binding)
	if err != nil {
		return nil, err
	}
	return CanonicalizeJSON(raw)
}

package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"tbc/pkg/models"
)

func redactRecord(rec Record, salt []byte) Record {
	rec.DelegationRaw = redactDelegation(rec.DelegationRaw, salt)
	return rec
}

// redactDelegation keeps the grant's public economics (cap, expiry, scope)
// and replaces the owner key, delegate key, nonce, and signature with salted
// hashes. An unparsable grant collapses to a single hash.
func redactDelegation(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var grant models.DelegationGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		payload := map[string]interface{}{
			"grant_hash":      hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	redacted := map[string]interface{}{
		"delegate_key_hash":  hashString(grant.DelegateKey, salt),
		"owner_hash":         hashString(grant.Owner, salt),
		"spend_cap":          grant.SpendCap,
		"expiry":             grant.Expiry,
		"scope_hash":         grant.ScopeHash,
		"session_id":         grant.SessionID,
		"nonce_hash":         hashString(grant.Nonce, salt),
		"chain_id":           grant.ChainID,
		"verifying_contract": grant.VerifyingContract,
		"signature": map[string]interface{}{
			"alg":      grant.Signature.Alg,
			"sig_hash": hashString(grant.Signature.Sig, salt),
		},
	}
	b, _ := json.Marshal(redacted)
	return b
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

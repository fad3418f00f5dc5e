package models

import (
	"errors"
	"math/big"
	"strings"
)

// MerchantProfile holds the fee and identity parameters for a merchant,
// referenced everywhere by profile hash. Owned by the external registry;
// read-only here.
type MerchantProfile struct {
	MerchantAddress    string `json:"merchant_address"`
	SettlementContract string `json:"settlement_contract"`
	CodeHash           string `json:"code_hash"`
	TxFeeBps           int    `json:"tx_fee_bps"`
	ZkFeeBps           int    `json:"zk_fee_bps"`
	GasFeeFixed        string `json:"gas_fee_fixed"`
	ProfileHash        string `json:"profile_hash"`
}

// DelegationGrant is a time-, value-, and scope-bound spending authorization
// signed off-chain by the owner wallet. Valid for exactly one session on one
// chain. Amounts are decimal strings; float JSON tokens are rejected at the
// canonicalization layer.
type DelegationGrant struct {
	DelegateKey       string              `json:"delegate_key"`
	Owner             string              `json:"owner"`
	SpendCap          string              `json:"spend_cap"`
	Expiry            string              `json:"expiry"`
	ScopeHash         string              `json:"scope_hash"`
	SessionID         string              `json:"session_id"`
	Nonce             string              `json:"nonce"`
	ChainID           uint64              `json:"chain_id"`
	VerifyingContract string              `json:"verifying_contract"`
	Signature         DelegationSignature `json:"signature"`
}

type DelegationSignature struct {
	Alg string `json:"alg"`
	Sig string `json:"sig"`
}

// ProofArtifact is an opaque zero-knowledge proof plus the public-input
// vector that binds it to its session. The proof bytes are never inspected
// here; verification is delegated to the external verifier.
type ProofArtifact struct {
	Proof        string            `json:"proof"`
	PublicInputs ProofPublicInputs `json:"public_inputs"`
}

type ProofPublicInputs struct {
	SessionID           string `json:"session_id"`
	MerchantProfileHash string `json:"merchant_profile_hash"`
	Amount              string `json:"amount"`
	NATCommitment       string `json:"nat_commitment"`
}

// Envelope is the fully normalized transaction specification a wallet signs
// verbatim. Construction is deterministic: identical validated input yields
// byte-identical envelopes across independent instances.
type Envelope struct {
	To        string `json:"to"`
	Value     string `json:"value"`
	Calldata  string `json:"calldata"`
	ChainID   uint64 `json:"chain_id"`
	Route     string `json:"route"`
	SessionID string `json:"session_id"`
}

const (
	RouteDirect = "direct"
	RouteRelay  = "relay"
)

// Kind-specific message payloads.

type QueryPayload struct {
	ChainID             uint64 `json:"chain_id"`
	MerchantProfileHash string `json:"merchant_profile_hash"`
	Amount              string `json:"amount"`
	SpendLimit          string `json:"spend_limit"`
	ClientRPCReachable  bool   `json:"client_rpc_reachable"`
}

type CommitPayload struct {
	Delegation DelegationGrant `json:"delegation"`
}

type AcceptPayload struct {
	EnvelopeHash string `json:"envelope_hash"`
}

type FulfillPayload struct {
	Proof    ProofArtifact `json:"proof"`
	SignedTx string        `json:"signed_tx,omitempty"`
}

type ClaimPayload struct {
	Nonce string `json:"nonce,omitempty"`
}

// ChainEventPayload is carried by observer-driven VERIFY and SETTLE messages.
type ChainEventPayload struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
}

// AckPayload is the body of the TBC-emitted ACK.
type AckPayload struct {
	Envelope Envelope `json:"envelope"`
}

var ErrInvalidAmount = errors.New("invalid amount")

// ParseAmount parses a non-negative integer decimal string. Amounts never
// travel as JSON numbers.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidAmount
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return n, nil
}

// AmountCovers reports cap >= amount for two decimal amount strings.
func AmountCovers(cap, amount string) (bool, error) {
	c, err := ParseAmount(cap)
	if err != nil {
		return false, err
	}
	a, err := ParseAmount(amount)
	if err != nil {
		return false, err
	}
	return c.Cmp(a) >= 0, nil
}

package envelope

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"tbc/pkg/models"
	"tbc/pkg/policy"
	"tbc/pkg/session"
)

var (
	ErrAmountOverLimit = errors.New("amount exceeds session spend limit")
	ErrMissingProfile  = errors.New("merchant profile required")
)

// NATMapping is the privacy-preserving sender substitution: the alternate
// address that appears in the envelope, plus the commitment that lets the
// mapping be proven consistent later. The commitment becomes part of the
// proof's public inputs; it is computed once here and never re-derived.
type NATMapping struct {
	Address    string
	Commitment string
}

// MapSender derives the NAT address and commitment for a session. The
// derivation uses only fields fixed at admission, so every instance agrees.
func MapSender(chainID uint64, sessionID, profileHash string) NATMapping {
	var chain [8]byte
	binary.BigEndian.PutUint64(chain[:], chainID)
	seed := models.Keccak256Hex(
		[]byte("tgp-nat-v1"),
		chain[:],
		[]byte(sessionID),
		[]byte(strings.ToLower(strings.TrimSpace(profileHash))),
	)
	// Address is the low 20 bytes of the seed hash, EVM style.
	raw, _ := hex.DecodeString(strings.TrimPrefix(seed, "0x"))
	addr := "0x" + hex.EncodeToString(raw[len(raw)-20:])
	commitment := models.Keccak256Hex([]byte(addr), []byte("|"), []byte(sessionID))
	return NATMapping{Address: addr, Commitment: commitment}
}

// Input is everything envelope construction may read. Determinism
// requirement: identical inputs yield byte-identical envelopes, so two
// independent gateway instances agree without coordination.
type Input struct {
	Session *session.Session
	Profile models.MerchantProfile
	Rules   *policy.Ruleset
}

// Build constructs the canonical wallet-signable envelope for a validated
// session. Gas fields are deliberately absent: the wallet supplies canonical
// gas pricing, and any client-proposed gas or approval fields never survive
// into the envelope.
func Build(in Input) (models.Envelope, error) {
	s := in.Session
	if strings.TrimSpace(in.Profile.SettlementContract) == "" {
		return models.Envelope{}, ErrMissingProfile
	}
	if _, err := models.ParseAmount(s.Amount); err != nil {
		return models.Envelope{}, fmt.Errorf("amount: %w", err)
	}
	if s.SpendLimit != "" {
		covers, err := models.AmountCovers(s.SpendLimit, s.Amount)
		if err != nil {
			return models.Envelope{}, fmt.Errorf("spend limit: %w", err)
		}
		if !covers {
			return models.Envelope{}, ErrAmountOverLimit
		}
	}
	nat := MapSender(s.ChainID, s.ID, s.MerchantProfileHash)
	env := models.Envelope{
		To:        strings.ToLower(strings.TrimSpace(in.Profile.SettlementContract)),
		Value:     s.Amount,
		Calldata:  settleCalldata(s, nat.Address),
		ChainID:   s.ChainID,
		Route:     selectRoute(s, in.Rules),
		SessionID: s.ID,
	}
	return env, nil
}

// selectRoute picks direct when the client's own RPC is reachable and policy
// does not force this merchant through the relay.
func selectRoute(s *session.Session, rules *policy.Ruleset) string {
	if s.ClientRPCReachable && (rules == nil || rules.DirectRouteAllowed(s.MerchantProfileHash)) {
		return models.RouteDirect
	}
	return models.RouteRelay
}

var settleSelector = func() []byte {
	h := models.Keccak256Hex([]byte("settle(bytes32,bytes32,uint256,address)"))
	raw, _ := hex.DecodeString(strings.TrimPrefix(h, "0x"))
	return raw[:4]
}()

// settleCalldata ABI-encodes the settle call: session id hash, profile hash,
// amount, and the NAT-mapped sender, each left-padded to 32 bytes.
func settleCalldata(s *session.Session, natAddress string) string {
	var buf []byte
	buf = append(buf, settleSelector...)
	buf = append(buf, hashWord(s.ID)...)
	buf = append(buf, hexWord(s.MerchantProfileHash)...)
	buf = append(buf, amountWord(s.Amount)...)
	buf = append(buf, hexWord(natAddress)...)
	return "0x" + hex.EncodeToString(buf)
}

func hashWord(v string) []byte {
	h := models.Keccak256Hex([]byte(v))
	raw, _ := hex.DecodeString(strings.TrimPrefix(h, "0x"))
	return raw
}

func hexWord(v string) []byte {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(v)), "0x"))
	if err != nil || len(raw) > 32 {
		return hashWord(v)
	}
	word := make([]byte, 32)
	copy(word[32-len(raw):], raw)
	return word
}

func amountWord(amount string) []byte {
	n, err := models.ParseAmount(amount)
	if err != nil {
		return make([]byte, 32)
	}
	word := make([]byte, 32)
	n.FillBytes(word)
	return word
}

package policy

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Ruleset is one immutable version of the gateway policy: jurisdiction
// rules, sanctions list, per-merchant allowlist, and rate limits. Sessions
// pin the version they validated against and never see a newer one
// mid-flight.
type Ruleset struct {
	Version              string            `yaml:"version"`
	AllowedJurisdictions []string          `yaml:"allowed_jurisdictions"`
	SanctionedAddresses  []string          `yaml:"sanctioned_addresses"`
	MerchantAllowlist    []string          `yaml:"merchant_allowlist"`
	DirectRouteDenied    []string          `yaml:"direct_route_denied"`
	RateLimitPerMinute   int               `yaml:"rate_limit_per_minute"`
	ChainJurisdictions   map[uint64]string `yaml:"chain_jurisdictions"`

	sanctioned map[string]struct{}
	allowlist  map[string]struct{}
	noDirect   map[string]struct{}
}

// Load reads and indexes a ruleset file.
func Load(path string) (*Ruleset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Ruleset, error) {
	var rs Ruleset
	if err := yaml.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("parse ruleset: %w", err)
	}
	if strings.TrimSpace(rs.Version) == "" {
		return nil, fmt.Errorf("ruleset version required")
	}
	rs.index()
	return &rs, nil
}

func (r *Ruleset) index() {
	r.sanctioned = lowerSet(r.SanctionedAddresses)
	r.allowlist = lowerSet(r.MerchantAllowlist)
	r.noDirect = lowerSet(r.DirectRouteDenied)
}

func lowerSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		it = strings.ToLower(strings.TrimSpace(it))
		if it != "" {
			out[it] = struct{}{}
		}
	}
	return out
}

func (r *Ruleset) Sanctioned(address string) bool {
	_, ok := r.sanctioned[strings.ToLower(strings.TrimSpace(address))]
	return ok
}

// MerchantAllowed treats an empty allowlist as allow-all.
func (r *Ruleset) MerchantAllowed(profileHash string) bool {
	if len(r.allowlist) == 0 {
		return true
	}
	_, ok := r.allowlist[strings.ToLower(strings.TrimSpace(profileHash))]
	return ok
}

func (r *Ruleset) JurisdictionAllowed(chainID uint64) bool {
	if len(r.AllowedJurisdictions) == 0 {
		return true
	}
	j, ok := r.ChainJurisdictions[chainID]
	if !ok {
		return false
	}
	for _, allowed := range r.AllowedJurisdictions {
		if strings.EqualFold(strings.TrimSpace(allowed), strings.TrimSpace(j)) {
			return true
		}
	}
	return false
}

func (r *Ruleset) DirectRouteAllowed(profileHash string) bool {
	_, denied := r.noDirect[strings.ToLower(strings.TrimSpace(profileHash))]
	return !denied
}

// Holder hands out immutable ruleset snapshots. Swapping in a new version
// keeps prior versions resolvable so in-flight sessions finish against the
// version they pinned.
type Holder struct {
	mu        sync.RWMutex
	current   *Ruleset
	byVersion map[string]*Ruleset
}

func NewHolder(current *Ruleset) *Holder {
	h := &Holder{byVersion: map[string]*Ruleset{}}
	if current != nil {
		h.current = current
		h.byVersion[current.Version] = current
	}
	return h
}

func (h *Holder) Current() *Ruleset {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Version resolves a pinned snapshot, falling back to current when the
// pinned version has been evicted (e.g. after a restart).
func (h *Holder) Version(version string) *Ruleset {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if rs, ok := h.byVersion[version]; ok {
		return rs
	}
	return h.current
}

func (h *Holder) Swap(rs *Ruleset) {
	if rs == nil {
		return
	}
	h.mu.Lock()
	h.current = rs
	h.byVersion[rs.Version] = rs
	h.mu.Unlock()
}

package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"tbc/pkg/httpx"
	"tbc/pkg/models"
	"tbc/pkg/session"
	"tbc/pkg/tgp"
)

// Verifier is the external proof-verifier capability. The proof itself is a
// black box; only the boolean verdict matters here.
type Verifier interface {
	Verify(ctx context.Context, proof models.ProofArtifact) (bool, error)
}

// VerifyMetrics records the latency of external verifier calls.
type VerifyMetrics interface {
	ObserveProofVerifyLatency(d time.Duration)
}

// ProofChecker validates the zero-knowledge proof attached to a FULFILL.
// The public inputs must bind the session, the merchant profile, the payment
// amount, and the NAT commitment produced at envelope construction; a proof
// that verifies but binds different values is still invalid.
type ProofChecker struct {
	Verifier Verifier
	Metrics  VerifyMetrics
}

func (c *ProofChecker) Name() string { return "proof" }

func (c *ProofChecker) Check(ctx context.Context, pctx *Context, s *session.Session, msg tgp.Message) error {
	if msg.Kind != tgp.KindFulfill {
		return nil
	}
	var payload models.FulfillPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return Fail(tgp.ReasonProofInvalid, "fulfill payload: %v", err)
	}
	proof := payload.Proof
	if strings.TrimSpace(proof.Proof) == "" {
		return Fail(tgp.ReasonProofInvalid, "proof bytes required")
	}
	in := proof.PublicInputs
	if in.SessionID != s.ID {
		return Fail(tgp.ReasonProofInvalid, "public inputs bind session %q", in.SessionID)
	}
	if !strings.EqualFold(in.MerchantProfileHash, s.MerchantProfileHash) {
		return Fail(tgp.ReasonProofInvalid, "public inputs bind profile %q", in.MerchantProfileHash)
	}
	if in.Amount != s.Amount {
		return Fail(tgp.ReasonProofInvalid, "public inputs bind amount %q", in.Amount)
	}
	if in.NATCommitment != s.NATCommitment {
		return Fail(tgp.ReasonProofInvalid, "public inputs bind a different nat commitment")
	}
	started := time.Now()
	ok, err := c.Verifier.Verify(ctx, proof)
	if c.Metrics != nil {
		c.Metrics.ObserveProofVerifyLatency(time.Since(started))
	}
	if err != nil {
		return Fail(tgp.ReasonSystemUnavailable, "verifier: %v", err)
	}
	if !ok {
		return Fail(tgp.ReasonProofInvalid, "verifier rejected proof")
	}
	return nil
}

// HTTPVerifier calls the external verifier service with bounded retry.
type HTTPVerifier struct {
	HTTPClient *http.Client
	BaseURL    string
	AuthHeader string
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, proof models.ProofArtifact) (bool, error) {
	body, err := json.Marshal(proof)
	if err != nil {
		return false, err
	}
	headers := map[string]string{}
	if v.AuthHeader != "" && v.AuthToken != "" {
		headers[v.AuthHeader] = v.AuthToken
	}
	endpoint := strings.TrimRight(v.BaseURL, "/") + "/v1/verify"
	status, respBody, err := httpx.RequestJSON(ctx, v.HTTPClient, http.MethodPost, endpoint, body, headers, v.Retries, v.RetryDelay)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, &VerifierStatusError{Status: status}
	}
	var resp verifyResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

type VerifierStatusError struct {
	Status int
}

func (e *VerifierStatusError) Error() string {
	return "verifier status " + http.StatusText(e.Status)
}

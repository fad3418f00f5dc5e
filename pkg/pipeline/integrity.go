package pipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tbc/pkg/httpx"
	"tbc/pkg/models"
	"tbc/pkg/session"
	"tbc/pkg/tgp"
)

// CodeResolver fetches the deployed bytecode hash of a contract from a
// trusted RPC endpoint.
type CodeResolver interface {
	CodeHash(ctx context.Context, chainID uint64, address string) (string, error)
}

// IntegrityChecker confirms, before any envelope is confirmed or funds
// committed, that the settlement contract deployed on chain matches the
// advertised profile. Verification only ever uses endpoints from the
// configured trusted set; an unknown chain fails closed.
type IntegrityChecker struct {
	Resolver CodeResolver
}

func (c *IntegrityChecker) Name() string { return "integrity" }

func (c *IntegrityChecker) Check(ctx context.Context, pctx *Context, s *session.Session, msg tgp.Message) error {
	if msg.Kind != tgp.KindCommit && msg.Kind != tgp.KindAccept {
		return nil
	}
	contract := strings.TrimSpace(pctx.Profile.SettlementContract)
	if contract == "" {
		return Fail(tgp.ReasonContractIntegrityMismatch, "profile advertises no settlement contract")
	}
	got, err := c.Resolver.CodeHash(ctx, s.ChainID, contract)
	if err != nil {
		if ue, ok := err.(*UntrustedEndpointError); ok {
			return Fail(tgp.ReasonContractIntegrityMismatch, "%v", ue)
		}
		return Fail(tgp.ReasonSystemUnavailable, "code hash fetch: %v", err)
	}
	if !strings.EqualFold(got, pctx.Profile.CodeHash) {
		return Fail(tgp.ReasonContractIntegrityMismatch, "deployed code hash %s != advertised %s", got, pctx.Profile.CodeHash)
	}
	return nil
}

// UntrustedEndpointError marks a chain with no trusted RPC endpoint
// configured. It fails validation closed rather than retrying.
type UntrustedEndpointError struct {
	ChainID uint64
}

func (e *UntrustedEndpointError) Error() string {
	return fmt.Sprintf("no trusted rpc endpoint for chain %d", e.ChainID)
}

// RPCCodeResolver resolves bytecode over JSON-RPC (eth_getCode) against a
// per-chain allowlist of endpoints.
type RPCCodeResolver struct {
	HTTPClient *http.Client
	Endpoints  map[uint64]string
	Retries    int
	RetryDelay time.Duration
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r *RPCCodeResolver) CodeHash(ctx context.Context, chainID uint64, address string) (string, error) {
	endpoint, ok := r.Endpoints[chainID]
	if !ok || strings.TrimSpace(endpoint) == "" {
		return "", &UntrustedEndpointError{ChainID: chainID}
	}
	body, _ := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_getCode",
		Params:  []interface{}{strings.ToLower(strings.TrimSpace(address)), "latest"},
	})
	status, respBody, err := httpx.RequestJSON(ctx, r.HTTPClient, http.MethodPost, endpoint, body, nil, r.Retries, r.RetryDelay)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("rpc status %d", status)
	}
	var resp rpcResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	code, err := hex.DecodeString(strings.TrimPrefix(resp.Result, "0x"))
	if err != nil {
		return "", fmt.Errorf("rpc code payload: %w", err)
	}
	if len(code) == 0 {
		return "", fmt.Errorf("no code deployed at %s", address)
	}
	return models.Keccak256Hex(code), nil
}

package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tbc/pkg/httpx"
)

// RelayClient submits signed transactions through the gateway-side relay for
// clients whose own RPC path is unusable. The relay only ever sees the
// already-signed bytes.
type RelayClient struct {
	Endpoint   string
	AuthToken  string
	HTTPClient *http.Client
	Retries    int
	RetryDelay time.Duration
}

type relayRequest struct {
	ChainID  uint64 `json:"chain_id"`
	SignedTx string `json:"signed_tx"`
}

type relayResponse struct {
	TxHash string `json:"tx_hash"`
}

type RelayStatusError struct {
	StatusCode int
	Body       string
}

func (e *RelayStatusError) Error() string {
	return fmt.Sprintf("relay returned status %d: %s", e.StatusCode, e.Body)
}

func (c *RelayClient) Broadcast(ctx context.Context, chainID uint64, signedTx string) (string, error) {
	if strings.TrimSpace(c.Endpoint) == "" {
		return "", fmt.Errorf("relay endpoint not configured")
	}
	body, err := json.Marshal(relayRequest{ChainID: chainID, SignedTx: signedTx})
	if err != nil {
		return "", err
	}
	headers := map[string]string{}
	if c.AuthToken != "" {
		headers["Authorization"] = "Bearer " + c.AuthToken
	}
	retries := c.Retries
	if retries <= 0 {
		retries = 2
	}
	delay := c.RetryDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	url := strings.TrimRight(c.Endpoint, "/") + "/v1/relay/broadcast"
	status, respBody, err := httpx.RequestJSON(ctx, c.HTTPClient, http.MethodPost, url, body, headers, retries, delay)
	if err != nil {
		return "", fmt.Errorf("relay broadcast: %w", err)
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return "", &RelayStatusError{StatusCode: status, Body: strings.TrimSpace(string(respBody))}
	}
	var resp relayResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("relay response: %w", err)
	}
	if resp.TxHash == "" {
		return "", fmt.Errorf("relay response missing tx_hash")
	}
	return resp.TxHash, nil
}

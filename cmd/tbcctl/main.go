package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"tbc/pkg/httpx"
	"tbc/pkg/models"
)

// Testable variables for main()
var (
	osExit = os.Exit
	stdout = io.Writer(os.Stdout)
	stderr = io.Writer(os.Stderr)
)

func main() {
	if err := run(os.Args[1:], stdout, stderr); err != nil {
		fmt.Fprintln(stderr, err)
		osExit(1)
	}
}

func run(args []string, out, errOut io.Writer) error {
	root := newRootCmd(out)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)
	return root.Execute()
}

type gatewayFlags struct {
	url   string
	token string
}

func newRootCmd(out io.Writer) *cobra.Command {
	gw := &gatewayFlags{}
	root := &cobra.Command{
		Use:           "tbcctl",
		Short:         "Operator tooling for the transaction border controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&gw.url, "gateway", envOr("TBC_URL", "http://localhost:8080"), "gateway base URL")
	root.PersistentFlags().StringVar(&gw.token, "token", os.Getenv("TBC_ADMIN_TOKEN"), "admin bearer token")

	root.AddCommand(
		newGenKeyCmd(out),
		newSignGrantCmd(out),
		newEnvelopeHashCmd(out),
		newSendCmd(out, gw),
		newSessionCmd(out, gw),
		newSessionsCmd(out, gw),
		newWatchCmd(out, gw),
		newPolicyReloadCmd(out, gw),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newGenKeyCmd(out io.Writer) *cobra.Command {
	var outPriv, outPub string
	cmd := &cobra.Command{
		Use:   "gen-key",
		Short: "Generate an ed25519 owner keypair for delegation grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			if err := os.WriteFile(outPriv, []byte(base64.StdEncoding.EncodeToString(priv)), 0o600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			if err := os.WriteFile(outPub, []byte(base64.StdEncoding.EncodeToString(pub)), 0o600); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}
			fmt.Fprintf(out, "wrote %s and %s\n", outPriv, outPub)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPriv, "out-private", "owner.key", "private key output")
	cmd.Flags().StringVar(&outPub, "out-public", "owner.pub", "public key output")
	return cmd
}

func newSignGrantCmd(out io.Writer) *cobra.Command {
	var grantPath, privatePath, outPath, profileHash string
	cmd := &cobra.Command{
		Use:   "sign-grant",
		Short: "Sign a delegation grant with the owner key",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(grantPath)
			if err != nil {
				return fmt.Errorf("read grant: %w", err)
			}
			var grant models.DelegationGrant
			if err := json.Unmarshal(raw, &grant); err != nil {
				return fmt.Errorf("decode grant: %w", err)
			}
			if grant.Expiry == "" {
				grant.Expiry = time.Now().UTC().Add(15 * time.Minute).Format(time.RFC3339)
			}
			pkRaw, err := os.ReadFile(privatePath)
			if err != nil {
				return fmt.Errorf("read private key: %w", err)
			}
			privBytes, err := base64.StdEncoding.DecodeString(string(pkRaw))
			if err != nil {
				return fmt.Errorf("decode private key: %w", err)
			}
			if len(privBytes) != ed25519.PrivateKeySize {
				return fmt.Errorf("decode private key: invalid size %d", len(privBytes))
			}
			priv := ed25519.PrivateKey(privBytes)
			grant.Owner = base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))
			if grant.ScopeHash == "" {
				if profileHash == "" {
					return errors.New("grant has no scope_hash; pass --profile-hash to derive it")
				}
				grant.ScopeHash = models.ScopeHash(grant.VerifyingContract, profileHash)
			}
			binding, err := models.DelegationBinding(grant)
			if err != nil {
				return fmt.Errorf("grant binding: %w", err)
			}
			sig := ed25519.Sign(priv, binding)
			grant.Signature.Alg = "ed25519"
			grant.Signature.Sig = base64.StdEncoding.EncodeToString(sig)

			encoded, err := json.MarshalIndent(grant, "", "  ")
			if err != nil {
				return fmt.Errorf("encode signed grant: %w", err)
			}
			if err := os.WriteFile(outPath, encoded, 0o600); err != nil {
				return fmt.Errorf("write signed grant: %w", err)
			}
			fmt.Fprintf(out, "wrote %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&grantPath, "grant", "", "grant json path")
	cmd.Flags().StringVar(&privatePath, "private", "", "base64 private key path")
	cmd.Flags().StringVar(&outPath, "out", "grant.signed.json", "output path")
	cmd.Flags().StringVar(&profileHash, "profile-hash", "", "merchant profile hash used to derive the scope hash")
	_ = cmd.MarkFlagRequired("grant")
	_ = cmd.MarkFlagRequired("private")
	return cmd
}

func newEnvelopeHashCmd(out io.Writer) *cobra.Command {
	var envelopePath string
	cmd := &cobra.Command{
		Use:   "envelope-hash",
		Short: "Print the canonical hash of an economic envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(envelopePath)
			if err != nil {
				return fmt.Errorf("read envelope: %w", err)
			}
			var env models.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return fmt.Errorf("decode envelope: %w", err)
			}
			hash, err := models.EnvelopeHash(env)
			if err != nil {
				return fmt.Errorf("hash envelope: %w", err)
			}
			fmt.Fprintln(out, hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&envelopePath, "envelope", "", "envelope json path")
	_ = cmd.MarkFlagRequired("envelope")
	return cmd
}

func newSendCmd(out io.Writer, gw *gatewayFlags) *cobra.Command {
	var messagePath string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Submit a protocol message file to the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(messagePath)
			if err != nil {
				return fmt.Errorf("read message: %w", err)
			}
			if !json.Valid(raw) {
				return errors.New("message file is not valid JSON")
			}
			return gatewayCall(cmd.Context(), out, gw, http.MethodPost, "/v1/messages", raw, false)
		},
	}
	cmd.Flags().StringVar(&messagePath, "message", "", "message json path")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newSessionCmd(out io.Writer, gw *gatewayFlags) *cobra.Command {
	var chainID, sessionID string
	var audit bool
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Fetch one session by chain and id",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/sessions/" + chainID + "/" + sessionID
			if audit {
				path += "/audit"
			}
			return gatewayCall(cmd.Context(), out, gw, http.MethodGet, path, nil, true)
		},
	}
	cmd.Flags().StringVar(&chainID, "chain", "", "chain id")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().BoolVar(&audit, "audit", false, "fetch the audit trail instead of the session")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newSessionsCmd(out io.Writer, gw *gatewayFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return gatewayCall(cmd.Context(), out, gw, http.MethodGet, fmt.Sprintf("/v1/sessions?limit=%d", limit), nil, true)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum sessions to return")
	return cmd
}

func newWatchCmd(out io.Writer, gw *gatewayFlags) *cobra.Command {
	var chainID, sessionID string
	var max int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail session lifecycle events from the gateway stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			target, err := streamURL(gw.url, chainID, sessionID)
			if err != nil {
				return err
			}
			conn, _, err := websocket.Dial(ctx, target, nil)
			if err != nil {
				return fmt.Errorf("dial stream: %w", err)
			}
			defer conn.Close(websocket.StatusNormalClosure, "done")

			for printed := 0; max <= 0 || printed < max; printed++ {
				var evt json.RawMessage
				if err := wsjson.Read(ctx, conn, &evt); err != nil {
					if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
						return nil
					}
					return fmt.Errorf("stream read: %w", err)
				}
				fmt.Fprintln(out, string(evt))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&chainID, "chain", "", "chain id filter")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id filter")
	cmd.Flags().IntVar(&max, "max", 0, "stop after this many events (0 = until disconnect)")
	return cmd
}

// streamURL rewrites the gateway base URL to its WebSocket stream endpoint.
func streamURL(base, chainID, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/v1/stream"
	if sessionID != "" {
		if chainID == "" {
			return "", errors.New("--session filter requires --chain")
		}
		q := u.Query()
		q.Set("chain_id", chainID)
		q.Set("session_id", sessionID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func newPolicyReloadCmd(out io.Writer, gw *gatewayFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "policy-reload",
		Short: "Reload the policy ruleset from disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			return gatewayCall(cmd.Context(), out, gw, http.MethodPost, "/v1/policy/reload", nil, true)
		},
	}
}

func gatewayCall(ctx context.Context, out io.Writer, gw *gatewayFlags, method, path string, body []byte, admin bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	headers := map[string]string{}
	if admin {
		if gw.token == "" {
			return errors.New("admin token required (set --token or TBC_ADMIN_TOKEN)")
		}
		headers["Authorization"] = "Bearer " + gw.token
	}
	status, respBody, err := httpx.RequestJSON(ctx, nil, method, gw.url+path, body, headers, 0, 0)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	fmt.Fprintln(out, string(respBody))
	if status >= 400 {
		return fmt.Errorf("gateway status %d", status)
	}
	return nil
}

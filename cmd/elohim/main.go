// Command elohim is the operator and device CLI for a recovery coordinator.
package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"

	"github.com/ethosengine/elohim/internal/core"
	"github.com/ethosengine/elohim/internal/p2p"
)

func main() {
	var apiURL string

	rootCmd := &cobra.Command{
		Use:          "elohim",
		Short:        "Talk to an Elohim recovery coordinator",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "http://localhost:8080", "Coordinator API base URL")
	client := func() *apiClient { return newAPIClient(apiURL) }

	rootCmd.AddCommand(
		keygenCmd(),
		uploadCmd(client),
		recoverCmd(client),
		respondCmd(client),
		grantCmd(client),
		fetchCmd(client),
		statusCmd(client),
	)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create or show a node identity key",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := p2p.LoadOrCreateKey(out)
			if err != nil {
				return err
			}
			id, err := peer.IDFromPrivateKey(priv)
			if err != nil {
				return err
			}
			raw, err := crypto.MarshalPublicKey(priv.GetPublic())
			if err != nil {
				return err
			}
			_, pub, err := signingKey(out)
			if err != nil {
				return err
			}
			fmt.Printf("key file:   %s\n", out)
			fmt.Printf("peer id:    %s\n", id)
			fmt.Printf("public key: %s\n", base64.StdEncoding.EncodeToString(raw))
			fmt.Printf("raw key:    %s\n", hex.EncodeToString(pub))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "data/node.key", "Key file to create or read")
	return cmd
}

func uploadCmd(client func() *apiClient) *cobra.Command {
	var owner, visibility string
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Erasure code a file and spread its fragments across custodians",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out json.RawMessage
			if err := client().upload(cmd.Context(), args[0], owner, visibility, &out); err != nil {
				return err
			}
			fmt.Printf("%s distributed\n", filepath.Base(args[0]))
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Identity that owns the content")
	cmd.Flags().StringVar(&visibility, "visibility", string(core.VisibilityPrivate), "private, trusted or public")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func recoverCmd(client func() *apiClient) *cobra.Command {
	var (
		identity, keyPath, method, gateway, proof string
		required                                  int
		contentIDs                                []string
		expiresIn                                 time.Duration
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Submit a recovery request for an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := core.RecoveryMethod{
				Kind:                   core.MethodKind(method),
				RequiredAuthorizations: required,
				Gateway:                gateway,
			}
			if proof != "" {
				sig, err := hex.DecodeString(proof)
				if err != nil {
					return fmt.Errorf("--proof: %w", err)
				}
				m.Proof = sig
			}
			_, deviceKey, err := signingKey(keyPath)
			if err != nil {
				return err
			}
			body := map[string]any{
				"identity":   identity,
				"device_key": deviceKey,
				"method":     m,
			}
			if len(contentIDs) > 0 {
				body["scope"] = core.RecoveryScope{Kind: core.ScopeSelective, ContentIDs: contentIDs}
			}
			if expiresIn > 0 {
				body["expires_in"] = expiresIn.String()
			}
			var out json.RawMessage
			if err := client().do(cmd.Context(), "POST", "/recovery/requests", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&identity, "identity", "", "Identity to recover")
	f.StringVar(&keyPath, "key", "data/device.key", "Key file of the new device, created if missing")
	f.StringVar(&method, "method", string(core.MethodSocial), "social, emergency-contact, gateway-attestation or hardware-key")
	f.IntVar(&required, "required", 0, "Authorizations required for social recovery")
	f.StringVar(&gateway, "gateway", "", "Attesting gateway name")
	f.StringVar(&proof, "proof", "", "Hex signature over the identity and device key")
	f.StringSliceVar(&contentIDs, "content", nil, "Recover only these content ids")
	f.DurationVar(&expiresIn, "expires-in", 0, "Request lifetime")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}

func respondCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "respond <challenge-id> <response>",
		Short: "Answer a recovery challenge on behalf of a relationship",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out json.RawMessage
			body := map[string]string{"response": args[1]}
			if err := client().do(cmd.Context(), "POST", "/recovery/challenges/"+args[0]+"/response", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func grantCmd(client func() *apiClient) *cobra.Command {
	var grantor, keyPath string
	cmd := &cobra.Command{
		Use:   "grant <request-id>",
		Short: "Vouch for a recovery request as one of its emergency contacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, _, err := signingKey(keyPath)
			if err != nil {
				return err
			}
			var view struct {
				Request core.RecoveryRequest `json:"request"`
			}
			if err := client().do(cmd.Context(), "GET", "/recovery/requests/"+args[0], nil, &view); err != nil {
				return err
			}
			req := view.Request
			sig, err := priv.Sign(core.GrantPayload(req.ID, req.Identity, req.DeviceKey))
			if err != nil {
				return err
			}
			body := map[string]string{"grantor": grantor, "signature": hex.EncodeToString(sig)}
			var out json.RawMessage
			if err := client().do(cmd.Context(), "POST", "/recovery/requests/"+req.ID+"/grants", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&grantor, "as", "", "Relationship id of the contact vouching")
	cmd.Flags().StringVar(&keyPath, "key", "data/contact.key", "Key file registered for the contact")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}

func fetchCmd(client func() *apiClient) *cobra.Command {
	var identity, keyPath, out string
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "fetch <content-id>",
		Short: "Read content, jumping the recovery queue if it is still pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, _, err := signingKey(keyPath)
			if err != nil {
				return err
			}
			sig, err := priv.Sign(core.ReadPayload(identity, args[0]))
			if err != nil {
				return err
			}
			blob, pending, err := client().fetch(cmd.Context(), args[0], identity, sig, wait)
			if err != nil {
				return err
			}
			if blob == nil {
				fmt.Println("content is still being reconstructed")
				return printJSON(pending)
			}
			if out == "" {
				_, err = os.Stdout.Write(blob)
				return err
			}
			return os.WriteFile(out, blob, 0o600)
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "Identity reading the content")
	cmd.Flags().StringVar(&keyPath, "key", "data/device.key", "Key file of the recovering device")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write content to this file instead of stdout")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "How long to wait for a pending reconstruction")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}

func statusCmd(client func() *apiClient) *cobra.Command {
	var report bool
	cmd := &cobra.Command{
		Use:   "status [request-id]",
		Short: "Show coordinator status, a recovery request or the health report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/status"
			switch {
			case report:
				path = "/health/report"
			case len(args) == 1:
				path = "/recovery/requests/" + args[0]
			}
			var out json.RawMessage
			if err := client().do(cmd.Context(), "GET", path, nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().BoolVar(&report, "health", false, "Show the distribution health report")
	return cmd
}

// signingKey loads or creates the ed25519 key at path and returns it with
// its raw public half.
func signingKey(path string) (crypto.PrivKey, []byte, error) {
	priv, err := p2p.LoadOrCreateKey(path)
	if err != nil {
		return nil, nil, err
	}
	if priv.Type() != crypto.Ed25519 {
		return nil, nil, fmt.Errorf("%s: want an ed25519 key, got %s", path, priv.Type())
	}
	pub, err := priv.GetPublic().Raw()
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func printJSON(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

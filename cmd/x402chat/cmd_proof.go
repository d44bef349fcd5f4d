package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clawnad/x402/clients"
	"github.com/clawnad/x402/config"
	"github.com/clawnad/x402/types"
	"github.com/clawnad/x402/utils"
	"github.com/clawnad/x402/verification"
)

func init() {
	rootCmd.AddCommand(signCmd, verifyCmd)
	for _, c := range []*cobra.Command{signCmd, verifyCmd} {
		c.Flags().StringP("requirements", "r", "", "payment requirements as JSON, a PAYMENT-REQUIRED header value, or @file")
		_ = c.MarkFlagRequired("requirements")
	}
	verifyCmd.Flags().Bool("onchain", false, "also check nonce state and balance over RPC")
}

// readRequirements accepts a single requirement, a full 402 envelope (its
// first accepted entry is used) or a base64 header value.
func readRequirements(arg string) (*types.PaymentRequirements, error) {
	raw := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, err
		}
		raw = data
	}

	if envelope, err := utils.ParsePaymentRequiredBody(raw); err == nil && len(envelope.Accepts) > 0 {
		return &envelope.Accepts[0], nil
	}
	if envelope, err := utils.ParsePaymentRequiredHeader(strings.TrimSpace(string(raw))); err == nil && len(envelope.Accepts) > 0 {
		return &envelope.Accepts[0], nil
	}

	var req types.PaymentRequirements
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("unreadable payment requirements: %w", err)
	}
	return &req, nil
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Print an X-PAYMENT header value for the given requirements",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reqArg, _ := cmd.Flags().GetString("requirements")
		req, err := readRequirements(reqArg)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.close()

		evm := clients.NewEVMClient(clients.EVMClientConfig{
			DefaultChainID: a.cfg.DefaultChainID,
			Logger:         a.log,
		})
		header, err := evm.CreatePayment(cmd.Context(), req, a.signer)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), header)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <x-payment>",
	Short: "Check an X-PAYMENT header value against payment requirements",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reqArg, _ := cmd.Flags().GetString("requirements")
		req, err := readRequirements(reqArg)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		timeout, _ := cfg.TimeoutDuration()

		opts := []verification.Option{verification.WithDefaultChainID(cfg.DefaultChainID)}
		if onchain, _ := cmd.Flags().GetBool("onchain"); onchain {
			if cfg.RPCURL == "" {
				return fmt.Errorf("--onchain needs rpc_url or %s", config.EnvRPCURL)
			}
			opts = append(opts, verification.WithTokenLookup(rpcTokenLookup(cfg.RPCURL)))
		}

		result, err := verification.NewVerificationService(timeout, opts...).Verify(cmd.Context(), args[0], req)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
		if !result.Valid {
			return fmt.Errorf("payment proof rejected: %s", result.InvalidReason)
		}
		return nil
	},
}

package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/clawnad/x402/clients"
	"github.com/clawnad/x402/utils"
)

func init() {
	rootCmd.AddCommand(balanceCmd)
}

var balanceCmd = &cobra.Command{
	Use:   "balance <token> [owner]",
	Short: "Show a token balance, defaulting to the signing account",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx, len(args) == 1)
		if err != nil {
			return err
		}
		defer a.close()

		if a.cfg.RPCURL == "" {
			return fmt.Errorf("rpc_url is not configured")
		}

		var owner common.Address
		if len(args) == 2 {
			if owner, err = parseAddress(args[1]); err != nil {
				return err
			}
		} else {
			owner, _ = a.signer.Account()
		}

		reader, closeReader, err := clients.DialTokenReader(ctx, a.cfg.RPCURL, args[0])
		if err != nil {
			return err
		}
		defer closeReader()

		decimals, err := reader.Decimals(ctx)
		if err != nil {
			return err
		}
		balance, err := reader.BalanceOf(ctx, owner)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", owner.Hex(), utils.FormatAmountFromBigInt(balance, int(decimals)))
		return nil
	},
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
)

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringP("data", "d", "{}", "JSON request body")
}

var callCmd = &cobra.Command{
	Use:   "call <path>",
	Short: "POST to a paid endpoint and print the JSON response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, _ := cmd.Flags().GetString("data")
		if !json.Valid([]byte(data)) {
			return fmt.Errorf("--data is not valid JSON")
		}

		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.close()

		var out json.RawMessage
		if err := a.client.RequestWithPayment(cmd.Context(), args[0], a.signer, json.RawMessage(data), &out); err != nil {
			return err
		}
		_, err = os.Stdout.Write(pretty.Pretty(out))
		return err
	},
}

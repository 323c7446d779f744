package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/relayd"
	"pkt.systems/relayd/internal/diagnostics/storagecheck"
	"pkt.systems/relayd/internal/storage"
)

func newVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostic checks",
	}
	cmd.AddCommand(newVerifyStoreCommand())
	return cmd
}

func newVerifyStoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "store",
		Short:        "Verify storage configuration",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# Verify disk backend
RELAYD_STORE=disk:///var/lib/relayd relayd verify store

# Verify disk backend with envelope encryption
RELAYD_STORE=disk:///var/lib/relayd RELAYD_STORAGE_KEYS=/etc/relayd/storage.pem relayd verify store
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg relayd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			res, err := storagecheck.VerifyStore(cmd.Context(), cfg)
			if errors.Is(err, storage.ErrNotImplemented) {
				fmt.Fprintln(cmd.OutOrStdout(), "Storage verification not implemented for this backend")
				return nil
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store: %s\n", cfg.Store)
			if res.Provider != "" {
				fmt.Fprintf(out, "Provider: %s\n", res.Provider)
			}
			if res.Path != "" {
				fmt.Fprintf(out, "Path: %s\n", res.Path)
			}
			failed := 0
			for _, chk := range res.Checks {
				status := "ok"
				if chk.Err != nil {
					status = "FAIL: " + chk.Err.Error()
					failed++
				}
				fmt.Fprintf(out, "  %-20s %s\n", chk.Name, status)
			}
			if failed > 0 {
				return fmt.Errorf("storage verification failed (%d checks)", failed)
			}
			fmt.Fprintln(out, "Storage verification passed")
			return nil
		},
	}
	return cmd
}

package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

// NewExportCommand writes the decrypted log as JSONL for audit review.
// The export is a read-only copy; the sealed segment stays the source
// of truth.
func NewExportCommand(opts *RootOptions) *cobra.Command {
	var skipVerify bool

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the decrypted event log as JSONL",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, log, err := opts.openLog(ctx)
			if err != nil {
				return err
			}
			defer func() { log.Close(); _ = store.Close() }()

			// An export that silently includes tampered history defeats
			// its purpose.
			if !skipVerify {
				if err := log.VerifyChain(ctx); err != nil {
					return err
				}
			}

			it, err := log.ReadFrom(ctx, 1)
			if err != nil {
				return err
			}
			defer it.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for it.Next() {
				if err := enc.Encode(it.Event()); err != nil {
					return err
				}
			}
			return it.Err()
		},
	}

	cmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "export even if chain verification fails (forensics)")
	return cmd
}

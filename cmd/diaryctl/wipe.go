package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/curalog/diarystore/pkg/securestore"
)

// NewWipeCommand irreversibly destroys a local segment.
func NewWipeCommand(opts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Irreversibly destroy the local diary segment",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("wipe is irreversible; re-run with --yes to confirm")
			}
			if opts.DeviceID == "" || opts.UserID == "" {
				return fmt.Errorf("--device and --user are required")
			}
			key, err := opts.keyMaterial()
			if err != nil {
				return err
			}
			store, err := securestore.Open(opts.Dir, opts.DeviceID, opts.UserID, key)
			if err != nil {
				return err
			}
			if err := store.Wipe(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "segment wiped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm destruction")
	return cmd
}

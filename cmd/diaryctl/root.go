package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/curalog/diarystore/pkg/eventlog"
	"github.com/curalog/diarystore/pkg/securestore"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Dir      string
	DeviceID string
	UserID   string
	KeyFile  string
	Format   string // "text" | "json"
}

// NewRootCommand creates the diaryctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "diaryctl",
		Short:         "Inspect and verify encrypted diary segments",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Dir, "dir", ".", "segment directory")
	cmd.PersistentFlags().StringVar(&opts.DeviceID, "device", "", "device id of the pairing")
	cmd.PersistentFlags().StringVar(&opts.UserID, "user", "", "user id of the pairing")
	cmd.PersistentFlags().StringVar(&opts.KeyFile, "key-file", "", "file holding the pairing key material (or set DIARY_KEY)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewWipeCommand(opts))

	return cmd
}

func (o *RootOptions) keyMaterial() ([]byte, error) {
	if o.KeyFile != "" {
		raw, err := os.ReadFile(o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		return raw, nil
	}
	if env := os.Getenv("DIARY_KEY"); env != "" {
		return []byte(env), nil
	}
	return nil, fmt.Errorf("key material required: --key-file or DIARY_KEY")
}

// openLog opens the segment read/write for the configured pairing.
func (o *RootOptions) openLog(ctx context.Context) (*securestore.Store, *eventlog.Log, error) {
	if o.DeviceID == "" || o.UserID == "" {
		return nil, nil, fmt.Errorf("--device and --user are required")
	}
	key, err := o.keyMaterial()
	if err != nil {
		return nil, nil, err
	}
	store, err := securestore.Open(o.Dir, o.DeviceID, o.UserID, key)
	if err != nil {
		return nil, nil, err
	}
	log, err := eventlog.Open(ctx, store)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, log, nil
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/curalog/diarystore/pkg/event"
)

// NewVerifyCommand walks the tamper-evidence chain of a segment.
func NewVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain of a diary segment",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, log, err := opts.openLog(ctx)
			if err != nil {
				return err
			}
			defer func() { log.Close(); _ = store.Close() }()

			verr := log.VerifyChain(ctx)
			var ce *event.ChainError
			switch {
			case verr == nil:
				if opts.Format == "json" {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
						"valid": true, "events": log.LastSequence(), "head": log.Head(),
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "chain verified: %d events, head %s\n",
					log.LastSequence(), log.Head())
				return nil
			case errors.As(verr, &ce):
				if opts.Format == "json" {
					_ = json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
						"valid": false, "at_sequence": ce.AtSequence, "reason": ce.Reason,
					})
				}
				return fmt.Errorf("TAMPER DETECTED at sequence %d: %s", ce.AtSequence, ce.Reason)
			default:
				return verr
			}
		},
	}
}

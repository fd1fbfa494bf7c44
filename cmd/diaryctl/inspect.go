package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewInspectCommand lists the events of a segment with their sync state.
func NewInspectCommand(opts *RootOptions) *cobra.Command {
	var from uint64

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List events in a diary segment",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, log, err := opts.openLog(ctx)
			if err != nil {
				return err
			}
			defer func() { log.Close(); _ = store.Close() }()

			it, err := log.ReadFrom(ctx, from)
			if err != nil {
				return err
			}
			defer it.Close()

			if opts.Format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				for it.Next() {
					ev := it.Event()
					if err := enc.Encode(map[string]any{
						"sequence":   ev.Sequence,
						"event_id":   ev.EventID,
						"type":       ev.Type,
						"record_id":  ev.RecordID,
						"author_id":  ev.AuthorID,
						"sync_state": ev.SyncState,
						"hash":       ev.Hash,
					}); err != nil {
						return err
					}
				}
				return it.Err()
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tTYPE\tRECORD\tAUTHOR\tSYNC\tCLIENT TIME")
			for it.Next() {
				ev := it.Event()
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					ev.Sequence, ev.Type, short(ev.RecordID), ev.AuthorID,
					ev.SyncState, ev.ClientTime.Format("2006-01-02 15:04:05"))
			}
			if err := it.Err(); err != nil {
				return err
			}
			return w.Flush()
		},
	}

	cmd.Flags().Uint64Var(&from, "from", 1, "first sequence number to list")
	return cmd
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

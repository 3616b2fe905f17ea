package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loqalabs/standup-recorder/internal/store"
)

func newClearCommand(ctx *commandContext) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored standup",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to clear history without --yes")
			}
			return ctx.withStore(cmd.Context(), func(st *store.Store) error {
				n, err := st.ClearRecords(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d standup(s)\n", n)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCmdClear() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop all elements of a resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore()
			if err != nil {
				return err
			}
			if err := st.Clear(resource); err != nil {
				return fmt.Errorf("clearing %s: %w", resource, err)
			}
			fmt.Fprintf(stderr, "%s cleared %s\n", okStatus, resource)
			return nil
		},
	}
}

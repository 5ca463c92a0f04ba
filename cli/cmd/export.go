package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cdl-lang/remoting/pkg/xdr"
)

func newCmdExport() *cobra.Command {
	output := ""
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a resource as a portable state file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, registry, err := openStore()
			if err != nil {
				return err
			}
			file, err := xdr.Dump(st, registry, resource)
			if err != nil {
				return fmt.Errorf("exporting %s: %w", resource, err)
			}
			buf, err := json.MarshalIndent(file, "", "  ")
			if err != nil {
				return err
			}
			if output == "" {
				fmt.Fprintln(stdout, string(buf))
			} else {
				if err := os.WriteFile(output, buf, 0600); err != nil {
					return err
				}
				fmt.Fprintf(stderr, "%s exported %s to %s\n", okStatus, resource, output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the export to a file instead of stdout")
	return cmd
}

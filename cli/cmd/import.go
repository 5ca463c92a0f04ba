package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cdl-lang/remoting/pkg/xdr"
)

func newCmdImport() *cobra.Command {
	override := false
	cmd := &cobra.Command{
		Use:   "import [flags] state-file",
		Short: "Import a portable state file into a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var file xdr.File
			if err := json.Unmarshal(buf, &file); err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}
			st, registry, err := openStore()
			if err != nil {
				return err
			}
			if err := xdr.Load(&file, st, registry, resource, override); err != nil {
				return fmt.Errorf("importing into %s: %w", resource, err)
			}
			fmt.Fprintf(stderr, "%s imported %d elements into %s\n", okStatus, len(file.Data), resource)
			return nil
		},
	}
	cmd.Flags().BoolVar(&override, "override", false, "replace the resource instead of appending to it")
	return cmd
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cdl-lang/remoting/pkg/store"
	"github.com/cdl-lang/remoting/pkg/xdr"
)

func newCmdPrint() *cobra.Command {
	return &cobra.Command{
		Use:   "print",
		Short: "Print the elements of a resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore()
			if err != nil {
				return err
			}
			elems, err := st.Range(resource, 0)
			if err == store.ErrNoResource {
				fmt.Fprintf(stderr, "%s resource %s is empty\n", okStatus, resource)
				return nil
			}
			if err != nil {
				return fmt.Errorf("reading %s: %w", resource, err)
			}
			for _, e := range elems {
				v, err := xdr.DecodeLocal(e.Value)
				if err != nil {
					return fmt.Errorf("decoding element %s: %w", e.Ident, err)
				}
				fmt.Fprintf(stdout, "%6d %s = %s\n", e.Revision, e.Ident, v)
			}
			return nil
		},
	}
}

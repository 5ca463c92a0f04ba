// Package cmd implements dbio, the maintenance tool for remoting store
// files: clear, print, export and import.
package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cdl-lang/remoting/pkg/paid"
	"github.com/cdl-lang/remoting/pkg/store"
	"github.com/cdl-lang/remoting/pkg/version"
)

const defaultResource = "appState"

var (
	// special handling for Windows, on all other platforms these resolve to
	// os.Stdout and os.Stderr, thanks to https://github.com/mattn/go-colorable
	stdout = color.Output
	stderr = color.Error

	okStatus   = color.New(color.FgGreen, color.Bold).SprintFunc()("√")  // √
	failStatus = color.New(color.FgRed, color.Bold).SprintFunc()("×")    // ×

	storePath string
	resource  string
	verbose   bool
)

// RootCmd represents the root Cobra command
var RootCmd = &cobra.Command{
	Use:   "dbio",
	Short: "dbio manages remoting store files",
	Long:  `dbio manages remoting store files: clear, print, export and import application state.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.PanicLevel)
		}
		if storePath == "" {
			return fmt.Errorf("a store file must be given with --file")
		}
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&storePath, "file", "f", "", "path of the store file")
	RootCmd.PersistentFlags().StringVarP(&resource, "resource", "r", defaultResource, "resource to operate on")
	RootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "turn on debug logging")
	RootCmd.Version = version.Version

	RootCmd.AddCommand(newCmdClear())
	RootCmd.AddCommand(newCmdPrint())
	RootCmd.AddCommand(newCmdExport())
	RootCmd.AddCommand(newCmdImport())
}

// Main executes the dbio subcommand tree. Exit codes: 0 success, 1 error.
func Main(args []string) {
	RootCmd.SetArgs(args)
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "%s %s\n", failStatus, err)
		os.Exit(1)
	}
}

// openStore loads the store file and a registry preloaded from it. New
// allocations made while the tool runs (imports) are persisted back.
func openStore() (*store.FileStore, *paid.StoreRegistry, error) {
	st, err := store.OpenFileStore(storePath)
	if err != nil {
		return nil, nil, err
	}
	templates, err := st.Templates()
	if err != nil {
		return nil, nil, err
	}
	indexes, err := st.Indexes()
	if err != nil {
		return nil, nil, err
	}
	registry := paid.NewStoreRegistry(st, log.NewEntry(log.StandardLogger()))
	if err := registry.Preload(templates, indexes); err != nil {
		return nil, nil, fmt.Errorf("preloading registry from %s: %w", storePath, err)
	}
	return st, registry, nil
}

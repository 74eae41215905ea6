package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at link time with -ldflags "-X main.version=...".
var version = "0.3.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "got: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "got",
		Short:         "Content-addressed store with reachability-based garbage collection",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("got {{.Version}}\n")

	for _, sub := range []func() *cobra.Command{
		newInitCmd,
		newAddCmd,
		newCommitCmd,
		newBranchCmd,
		newTagCmd,
		newGcCmd,
		newCountObjectsCmd,
	} {
		root.AddCommand(sub())
	}
	return root
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gotgc/pkg/object"
	"github.com/odvcencio/gotgc/pkg/repo"
)

// shortHash abbreviates h for display.
func shortHash(h object.Hash) string {
	if len(h) > 8 {
		return string(h[:8])
	}
	return string(h)
}

// whoami is the author or tagger recorded when none is given.
func whoami() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Create an empty got repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			dir, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			r, err := repo.Init(dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized empty got repository in %s%c\n", r.GotDir, filepath.Separator)
			return nil
		},
	}
}

func newAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <files...>",
		Short: "Stage files for the next commit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := repo.Open(".")
			if err != nil {
				return err
			}
			return r.Add(args)
		},
	}
}

func newCommitCmd() *cobra.Command {
	var message, author string

	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Record the staged files as a new commit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(message) == "" {
				return fmt.Errorf("commit message is required (-m)")
			}
			r, err := repo.Open(".")
			if err != nil {
				return err
			}
			if author == "" {
				author = whoami()
			}
			h, err := r.Commit(message, author)
			if err != nil {
				return err
			}
			branch, _ := r.CurrentBranch()
			if branch == "" {
				branch = "HEAD"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s %s] %s\n", branch, shortHash(h), message)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().StringVar(&author, "author", "", "override author (default: $USER)")
	return cmd
}

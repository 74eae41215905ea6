package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gotgc/pkg/object"
	"github.com/odvcencio/gotgc/pkg/repo"
)

func newBranchCmd() *cobra.Command {
	var del string

	cmd := &cobra.Command{
		Use:   "branch [name]",
		Short: "List, create, or delete branches",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := repo.Open(".")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case del != "":
				if err := r.DeleteBranch(del); err != nil {
					return err
				}
				fmt.Fprintf(out, "deleted branch '%s'\n", del)
				return nil
			case len(args) == 1:
				head, err := r.ResolveRef("HEAD")
				if err != nil {
					return fmt.Errorf("cannot resolve HEAD: %w", err)
				}
				return r.CreateBranch(args[0], head)
			}

			branches, err := r.ListBranches()
			if err != nil {
				return err
			}
			current, _ := r.CurrentBranch()
			for _, b := range branches {
				marker := " "
				if b == current {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %s\n", marker, b)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&del, "delete", "d", "", "delete the named branch")
	return cmd
}

func newTagCmd() *cobra.Command {
	var (
		del      string
		force    bool
		showHash bool
		message  string
	)

	cmd := &cobra.Command{
		Use:   "tag [name] [target]",
		Short: "List, create, or delete tags",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := repo.Open(".")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if del != "" {
				if len(args) > 0 {
					return fmt.Errorf("tag --delete does not accept positional args")
				}
				return r.DeleteTag(del)
			}
			if len(args) == 0 {
				tags, err := r.Tags()
				if err != nil {
					return err
				}
				for _, name := range slices.Sorted(maps.Keys(tags)) {
					if showHash {
						fmt.Fprintf(out, "%s %s\n", tags[name], name)
					} else {
						fmt.Fprintln(out, name)
					}
				}
				return nil
			}

			rev := "HEAD"
			if len(args) == 2 {
				rev = args[1]
			}
			target, err := r.ResolveRef(rev)
			if err != nil {
				if len(args) < 2 || !object.IsValidHash(object.Hash(rev)) {
					return fmt.Errorf("resolve %s: %w", rev, err)
				}
				target = object.Hash(rev)
			}

			if message == "" {
				return r.CreateTag(args[0], target, force)
			}
			h, err := r.CreateAnnotatedTag(args[0], target, whoami(), message, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "created annotated tag %s (%s)\n", args[0], shortHash(h))
			return nil
		},
	}
	cmd.Flags().StringVarP(&del, "delete", "d", "", "delete the named tag")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "replace an existing tag")
	cmd.Flags().BoolVar(&showHash, "show-hash", false, "show tag target hashes when listing")
	cmd.Flags().StringVarP(&message, "message", "m", "", "create an annotated tag with this message")
	return cmd
}

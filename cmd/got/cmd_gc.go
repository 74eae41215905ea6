package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/odvcencio/gotgc/pkg/gc"
	"github.com/odvcencio/gotgc/pkg/repo"
)

func newGcCmd() *cobra.Command {
	var (
		auto             bool
		prune            string
		preserveOldPacks bool
		verbose          bool
		quiet            bool
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Repack reachable objects and prune unreachable ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := repo.Open(".")
			if err != nil {
				return err
			}

			opts := repo.GCOptions{
				Auto:             auto,
				PruneExpire:      prune,
				PreserveOldPacks: preserveOldPacks,
			}
			if verbose {
				logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), NoColor: true}).
					Level(zerolog.DebugLevel).
					With().Timestamp().Logger()
				opts.Logger = &logger
			}
			if !quiet {
				opts.Progress = &textProgress{out: cmd.ErrOrStderr()}
			}

			res, err := r.GC(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if !quiet {
				printGCResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&auto, "auto", false, "only run when too many packs or loose objects accumulated")
	cmd.Flags().StringVar(&prune, "prune", "", "prune loose objects older than this date (overrides gc.pruneExpire)")
	cmd.Flags().BoolVar(&preserveOldPacks, "preserve-old-packs", false, "move replaced packs to objects/pack/preserved")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log each step to stderr")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress and summary")
	return cmd
}

func printGCResult(out, errOut io.Writer, res *gc.Result) {
	if res.Skipped {
		return
	}
	var failures []gc.FileError
	if rr := res.Repack; rr != nil {
		if len(rr.Packs) == 0 {
			fmt.Fprintln(out, "nothing to pack")
		}
		for _, p := range rr.Packs {
			fmt.Fprintf(out, "wrote %s (%d objects)\n", p.Name, p.Index.Count())
		}
		if n := len(rr.Retired); n > 0 {
			fmt.Fprintf(out, "retired %d old pack(s)\n", n)
		}
		if rr.Loosened > 0 {
			fmt.Fprintf(out, "loosened %d unreachable object(s)\n", rr.Loosened)
		}
		if n := len(rr.Orphans); n > 0 {
			fmt.Fprintf(out, "removed %d orphaned pack file(s)\n", n)
		}
		failures = append(failures, rr.Failures...)
	}
	if pr := res.Prune; pr != nil {
		if n := len(pr.Deleted); n > 0 {
			fmt.Fprintf(out, "pruned %d loose object(s)\n", n)
		}
		failures = append(failures, pr.Failures...)
	}
	for _, f := range failures {
		fmt.Fprintf(errOut, "warning: %v\n", f)
	}
}

// textProgress prints one line per finished task.
type textProgress struct {
	out   io.Writer
	title string
	total int
	done  int
}

func (p *textProgress) BeginTask(title string, total int) {
	p.title, p.total, p.done = title, total, 0
}

func (p *textProgress) Update(completed int) {
	p.done += completed
}

func (p *textProgress) EndTask() {
	if p.title == "" {
		return
	}
	fmt.Fprintf(p.out, "%s: %d/%d, done.\n", p.title, p.done, p.total)
	p.title = ""
}

var _ gc.ProgressMonitor = (*textProgress)(nil)

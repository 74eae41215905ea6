package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/odvcencio/gotgc/pkg/repo"
)

func newCountObjectsCmd() *cobra.Command {
	var verbose bool
	var human bool

	cmd := &cobra.Command{
		Use:   "count-objects",
		Short: "Count objects and their disk usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := repo.Open(".")
			if err != nil {
				return err
			}
			st, err := r.Statistics()
			if err != nil {
				return err
			}

			size := func(n int64) string {
				if human {
					return humanize.IBytes(uint64(n))
				}
				return fmt.Sprintf("%d", n/1024)
			}

			out := cmd.OutOrStdout()
			if !verbose {
				unit := " kilobytes"
				if human {
					unit = ""
				}
				fmt.Fprintf(out, "%d objects, %s%s\n", st.NumberOfLooseObjects, size(st.SizeOfLooseObjects), unit)
				return nil
			}
			fmt.Fprintf(out, "count: %d\n", st.NumberOfLooseObjects)
			fmt.Fprintf(out, "size: %s\n", size(st.SizeOfLooseObjects))
			fmt.Fprintf(out, "in-pack: %d\n", st.NumberOfPackedObjects)
			fmt.Fprintf(out, "packs: %d\n", st.NumberOfPackFiles)
			fmt.Fprintf(out, "size-pack: %s\n", size(st.SizeOfPackedObjects))
			fmt.Fprintf(out, "bitmaps: %d\n", st.NumberOfBitmaps)
			fmt.Fprintf(out, "loose-refs: %d\n", st.NumberOfLooseRefs)
			fmt.Fprintf(out, "packed-refs: %d\n", st.NumberOfPackedRefs)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "report packs and refs too")
	cmd.Flags().BoolVarP(&human, "human-readable", "H", false, "print sizes in human readable format")
	return cmd
}

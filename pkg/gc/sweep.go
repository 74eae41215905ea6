package gc

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/odvcencio/gotgc/pkg/object"
)

// SweepReport lists what SweepOrphans removed and what it could not.
type SweepReport struct {
	Removed  []string // file names relative to the pack directory
	Failures []FileError
}

// SweepOrphans deletes index and bitmap files whose pack is gone. It never
// fails; problems end up in the report.
func (c *Collector) SweepOrphans() *SweepReport {
	if err := c.enter(); err != nil {
		return &SweepReport{Failures: []FileError{{Op: "sweep", Path: c.store.PackDir(), Err: err}}}
	}
	defer c.leave()
	return c.sweepOrphans()
}

func (c *Collector) sweepOrphans() *SweepReport {
	report := &SweepReport{}
	packDir := c.store.PackDir()
	entries, err := os.ReadDir(packDir)
	if err != nil {
		if !os.IsNotExist(err) {
			report.Failures = append(report.Failures, c.fileFailure("list", packDir, err))
		}
		return report
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, _, ok := object.PackNameFromFile(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	// Reverse order puts "x.pack" and "x.keep" ahead of "x.idx" and
	// "x.bitmap".
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	current := ""
	for _, name := range names {
		base, ext, _ := object.PackNameFromFile(name)
		if ext == object.PackExt || ext == object.KeepExt {
			current = base
			continue
		}
		if base == current {
			continue
		}
		path := filepath.Join(packDir, name)
		if err := c.remove(path); err != nil {
			report.Failures = append(report.Failures, c.fileFailure("delete", path, err))
			continue
		}
		c.log.Debug().Str("file", name).Msg("removed orphaned pack file")
		report.Removed = append(report.Removed, name)
	}
	return report
}

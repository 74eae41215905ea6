package repo

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReflogLineFormat(t *testing.T) {
	when := time.Unix(1700000000, 0)
	tests := []struct {
		name string
		line reflogLine
		want string
	}{
		{
			name: "creation",
			line: reflogLine{new: testHash(1), when: when, reason: "branch: Created"},
			want: zeroHash + " " + string(testHash(1)) + " 1700000000 branch: Created\n",
		},
		{
			name: "multiline reason collapses",
			line: reflogLine{old: testHash(1), new: testHash(2), when: when, reason: "commit:\tfix\n\nbody"},
			want: string(testHash(1)) + " " + string(testHash(2)) + " 1700000000 commit: fix body\n",
		},
		{
			name: "empty reason",
			line: reflogLine{old: testHash(2), new: testHash(3), when: when},
			want: string(testHash(2)) + " " + string(testHash(3)) + " 1700000000 update\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.line.String()
			if got != tt.want {
				t.Fatalf("String() = %q, want %q", got, tt.want)
			}
			back, ok := parseReflogLine(got)
			if !ok || back.new != tt.line.new || !back.when.Equal(when) {
				t.Fatalf("parseReflogLine(%q) = %+v, %v", got, back, ok)
			}
		})
	}

	for _, bad := range []string{"", "abc def", zeroHash + " " + zeroHash + " notatime reason"} {
		if l, ok := parseReflogLine(bad); ok {
			t.Fatalf("parseReflogLine(%q) = %+v, want rejection", bad, l)
		}
	}
}

func TestReadReflogNewestFirstWithLimit(t *testing.T) {
	r, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if err := r.UpdateRef("refs/heads/main", testHash(i)); err != nil {
			t.Fatalf("UpdateRef(%d): %v", i, err)
		}
	}

	for _, name := range []string{"", "HEAD", "main", "refs/heads/main"} {
		entries, err := r.ReadReflog(name, 2)
		if err != nil {
			t.Fatalf("ReadReflog(%q): %v", name, err)
		}
		if len(entries) != 2 || entries[0].NewHash != testHash(5) || entries[1].NewHash != testHash(4) {
			t.Fatalf("ReadReflog(%q) = %+v", name, entries)
		}
		if entries[0].Ref != "refs/heads/main" || entries[0].OldHash != testHash(4) {
			t.Fatalf("ReadReflog(%q)[0] = %+v", name, entries[0])
		}
	}
	if all, err := r.ReadReflog("main", 0); err != nil || len(all) != 5 {
		t.Fatalf("ReadReflog unlimited = %d, %v", len(all), err)
	}
	assertFile(t, filepath.Join(r.GotDir, "logs", "refs", "heads", "main"))
}

// Torn or hand-edited lines are skipped rather than failing the read, so a
// damaged log never blocks collection.
func TestReflogSkipsMalformedLines(t *testing.T) {
	r, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := r.UpdateRef("refs/heads/topic", testHash(1)); err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}
	f, err := os.OpenFile(r.reflogPath("refs/heads/topic"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open reflog: %v", err)
	}
	if _, err := f.WriteString("garbage\n" + string(testHash(1)) + " " + string(testHash(2))); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	entries, err := r.Reflog("refs/heads/topic")
	if err != nil {
		t.Fatalf("Reflog: %v", err)
	}
	if len(entries) != 1 || entries[0].New != testHash(1) || entries[0].Old != zeroHash {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].When.IsZero() || entries[0].Who != "update" {
		t.Fatalf("entry metadata = %+v", entries[0])
	}

	missing, err := r.Reflog("refs/heads/none")
	if err != nil || len(missing) != 0 {
		t.Fatalf("Reflog(missing) = %v, %v", missing, err)
	}
}

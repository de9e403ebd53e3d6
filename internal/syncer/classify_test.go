package syncer

import (
	"testing"

	"github.com/gbasin/gdrive-git-sync/internal/source"
	"github.com/gbasin/gdrive-git-sync/internal/state"
)

func TestDedupeLatestKeepsFinalOccurrenceInOrder(t *testing.T) {
	changes := []source.Change{
		{FileID: "a", Path: "a-1"},
		{FileID: "b", Path: "b-1"},
		{FileID: "a", Path: "a-2"},
	}
	out := dedupeLatest(changes)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].FileID != "b" || out[1].FileID != "a" || out[1].Path != "a-2" {
		t.Fatalf("out = %+v", out)
	}
}

func TestContentDiffersFallsBackToModifiedTime(t *testing.T) {
	cases := []struct {
		name   string
		change source.Change
		prev   state.FileRecord
		want   bool
	}{
		{"same hash", source.Change{ContentHash: "h"}, state.FileRecord{ContentHash: "h"}, false},
		{"different hash", source.Change{ContentHash: "h2"}, state.FileRecord{ContentHash: "h1"}, true},
		{"hash appeared", source.Change{ContentHash: "h"}, state.FileRecord{ModifiedTime: "t"}, true},
		{"native same mtime", source.Change{ModifiedTime: "t1"}, state.FileRecord{ModifiedTime: "t1"}, false},
		{"native new mtime", source.Change{ModifiedTime: "t2"}, state.FileRecord{ModifiedTime: "t1"}, true},
	}
	for _, tc := range cases {
		prev := tc.prev
		if got := contentDiffers(tc.change, &prev); got != tc.want {
			t.Errorf("%s: contentDiffers = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMatchesExclude(t *testing.T) {
	patterns := []string{"archive/*", "*.tmp", "drafts"}
	cases := []struct {
		path string
		want bool
	}{
		{"archive/old.doc", true},
		{"archive/sub/deep.doc", true},
		{"scratch.tmp", true},
		{"drafts/wip.docx", true},
		{"reports/q1.pdf", false},
		{"archives/keep.doc", false},
	}
	for _, tc := range cases {
		if got := matchesExclude(patterns, tc.path); got != tc.want {
			t.Errorf("matchesExclude(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestBatchByEditorFallsBackToBotIdentity(t *testing.T) {
	actions := []*action{
		{kind: actionAdd, authorName: "Xena", authorEmail: "xena@example.com"},
		{kind: actionAdd},
		{kind: actionAdd},
	}
	batches := batchByEditor(actions, "Drive Sync Bot", "sync@example.com")
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}
	if batches[1].authorName != "Drive Sync Bot" || len(batches[1].actions) != 2 {
		t.Fatalf("fallback batch = %+v", batches[1])
	}
	for _, act := range batches[1].actions {
		if act.authorName != "Drive Sync Bot" || act.authorEmail != "sync@example.com" {
			t.Fatalf("action identity = %q %q, want fallback on the action itself", act.authorName, act.authorEmail)
		}
	}
}

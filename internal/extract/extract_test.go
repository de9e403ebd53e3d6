package extract

import (
	"strings"
	"testing"
)

func TestSidecarName(t *testing.T) {
	cases := []struct {
		name     string
		mimeType string
		want     string
	}{
		{"Proposal", "application/vnd.google-apps.document", "Proposal.docx.md"},
		{"Budget", "application/vnd.google-apps.spreadsheet", "Budget.csv.txt"},
		{"Deck", "application/vnd.google-apps.presentation", "Deck.pdf.txt"},
		{"Report.pdf", "application/pdf", "Report.pdf.txt"},
		{"Memo.docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document", "Memo.docx.md"},
		{"data.csv", "text/csv", "data.csv.txt"},
		{"photo.png", "image/png", ""},
		{"archive.zip", "application/zip", ""},
	}
	for _, tc := range cases {
		if got := SidecarName(tc.name, tc.mimeType); got != tc.want {
			t.Errorf("SidecarName(%q, %q) = %q, want %q", tc.name, tc.mimeType, got, tc.want)
		}
	}
}

func TestRegistryLookupUsesEffectiveExtension(t *testing.T) {
	reg := NewRegistry()

	// Native spreadsheets resolve through their export extension.
	if _, ok := reg.For("Budget", "application/vnd.google-apps.spreadsheet"); !ok {
		t.Fatal("no extractor for native spreadsheet")
	}
	if _, ok := reg.For("data.csv", "text/csv"); !ok {
		t.Fatal("no extractor for plain csv")
	}
	if _, ok := reg.For("Report.pdf", "application/pdf"); ok {
		t.Fatal("unexpected extractor for pdf")
	}

	reg.Register(".pdf", Identity{})
	if e, ok := reg.For("Report.pdf", "application/pdf"); !ok || e.Name() != "identity" {
		t.Fatalf("registered extractor not found: %v %v", e, ok)
	}
}

func TestCSVTableRendersMarkdown(t *testing.T) {
	out, err := CSVTable{}.Extract("data.csv", []byte("item,cost\npens,3\nstaplers,12\n"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := strings.Join([]string{
		"| item     | cost |",
		"| -------- | ---- |",
		"| pens     | 3    |",
		"| staplers | 12   |",
	}, "\n")
	if string(out) != want {
		t.Fatalf("table =\n%s\nwant:\n%s", out, want)
	}
}

func TestCSVTableRaggedRows(t *testing.T) {
	out, err := CSVTable{}.Extract("data.csv", []byte("a,b,c\n1\n"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	lines := strings.Split(string(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %v", lines)
	}
	if lines[2] != "| 1   |     |     |" {
		t.Fatalf("padded row = %q", lines[2])
	}
}

func TestCSVTableEmptyInput(t *testing.T) {
	out, err := CSVTable{}.Extract("data.csv", nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("out = %q, want empty", out)
	}
}

package syncer

import (
	"fmt"
	"strings"
)

// commitBatch is a contiguous run of actions by the same editor, committed
// together under that editor's authorship.
type commitBatch struct {
	authorName  string
	authorEmail string
	actions     []*action
}

// batchByEditor partitions actions in feed order into contiguous
// same-editor runs. An interleaved sequence X, X, Y, X therefore yields
// three batches, preserving the remote edit order. Actions without editor
// attribution fall back to the configured bot identity.
func batchByEditor(actions []*action, fallbackName, fallbackEmail string) []commitBatch {
	var batches []commitBatch
	for _, act := range actions {
		if act.authorName == "" {
			act.authorName = fallbackName
		}
		if act.authorEmail == "" {
			act.authorEmail = fallbackEmail
		}
		// The resolved identity lives on the action so the persisted file
		// record carries the same attribution as the commit.
		name, email := act.authorName, act.authorEmail
		n := len(batches)
		if n > 0 && batches[n-1].authorName == name && batches[n-1].authorEmail == email {
			batches[n-1].actions = append(batches[n-1].actions, act)
			continue
		}
		batches = append(batches, commitBatch{
			authorName:  name,
			authorEmail: email,
			actions:     []*action{act},
		})
	}
	return batches
}

// message builds the commit message: a summary line plus one bullet per
// action describing what happened to which path.
func (b commitBatch) message() string {
	var sb strings.Builder
	sb.WriteString("Sync from Google Drive\n")
	for _, act := range b.actions {
		switch act.kind {
		case actionRename:
			fmt.Fprintf(&sb, "\n- rename: %s -> %s", act.prev.Path, act.change.Path)
		case actionDelete:
			fmt.Fprintf(&sb, "\n- delete: %s", act.prev.Path)
		default:
			fmt.Fprintf(&sb, "\n- %s: %s", act.kind, act.change.Path)
		}
	}
	return sb.String()
}

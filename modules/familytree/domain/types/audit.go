package types

import "time"

type AuditOperation string

const (
	AuditOpInsert      AuditOperation = "INSERT"
	AuditOpReparent    AuditOperation = "REPARENT"
	AuditOpReorder     AuditOperation = "REORDER"
	AuditOpSoftDelete  AuditOperation = "SOFT_DELETE"
	AuditOpRestore     AuditOperation = "RESTORE"
	AuditOpEditFields  AuditOperation = "EDIT_FIELDS"
	AuditOpAddUnion    AuditOperation = "ADD_UNION"
	AuditOpRemoveUnion AuditOperation = "REMOVE_UNION"
	AuditOpUndo        AuditOperation = "UNDO"
)

// AuditEntry is immutable. Before/After carry the minimal field-level
// diff needed to invert the operation. GroupID is empty for standalone
// mutations. UndoneAt tracks whether the entry's inverse has already been
// replayed; the row itself is never rewritten beyond that marker.
type AuditEntry struct {
	ID        string
	ActorID   int64
	NodeID    int64
	Operation AuditOperation
	Before    map[string]any
	After     map[string]any
	GroupID   string
	CreatedAt time.Time
	UndoneAt  *time.Time
}

type GroupStatus string

const (
	GroupActive GroupStatus = "active"
	GroupUndone GroupStatus = "undone"
	GroupFailed GroupStatus = "failed"
)

// OperationGroup ties together the audit entries of one logical batch
// action so they can be undone as a unit.
type OperationGroup struct {
	ID        string
	Status    GroupStatus
	OpCount   int
	CreatedAt time.Time
}

// ReorderResult reports the outcome for one child in a Reorder batch.
type ReorderResult struct {
	NodeID int64  `json:"node_id"`
	OK     bool   `json:"ok"`
	Code   string `json:"code,omitempty"`
}

// UpdateReport is the partial-success report of a Reorder.
type UpdateReport struct {
	Results []ReorderResult `json:"results"`
}

func (r UpdateReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.OK {
			n++
		}
	}
	return n
}

// EntryUndoResult reports the outcome for one audit entry in an undo.
type EntryUndoResult struct {
	EntryID string `json:"entry_id"`
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
}

// UndoReport tallies an UndoGroup/UndoSingle run. Undo continues past
// individual failures, so Failed > 0 with Succeeded > 0 is a normal
// outcome.
type UndoReport struct {
	GroupID   string            `json:"group_id,omitempty"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Entries   []EntryUndoResult `json:"entries"`
}

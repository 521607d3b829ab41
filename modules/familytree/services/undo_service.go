package services

import (
	"context"
	"errors"

	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/ports"
	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/types"
	"github.com/lineagekeep/lineagekeep/pkg/httperr"
)

const (
	errEntryNotFound      = "AUDIT_ENTRY_NOT_FOUND"
	errGroupNotFound      = "OPERATION_GROUP_NOT_FOUND"
	errGroupNotActive     = "OPERATION_GROUP_NOT_ACTIVE"
	errEntryAlreadyUndone = "AUDIT_ENTRY_ALREADY_UNDONE"
	errEntryNotUndoable   = "AUDIT_ENTRY_NOT_UNDOABLE"
	errEntryInGroup       = "AUDIT_ENTRY_IN_GROUP"
)

type UndoService interface {
	// UndoGroup replays inverses for every entry in the group, newest
	// first, continuing past individual failures.
	UndoGroup(ctx context.Context, actorID int64, groupID string) (types.UndoReport, error)
	// UndoSingle undoes one non-grouped entry, re-validating
	// preconditions at undo time.
	UndoSingle(ctx context.Context, actorID int64, entryID string) (types.UndoReport, error)
}

type undoService struct {
	audit  ports.AuditStore
	chains ChainInvalidator
}

func NewUndoService(audit ports.AuditStore, chains ChainInvalidator) UndoService {
	if chains == nil {
		chains = noopInvalidator{}
	}
	return &undoService{audit: audit, chains: chains}
}

func (s *undoService) UndoGroup(ctx context.Context, actorID int64, groupID string) (types.UndoReport, error) {
	group, err := s.audit.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, ports.ErrGroupNotFound) {
			return types.UndoReport{}, errors.New(errGroupNotFound)
		}
		return types.UndoReport{}, err
	}
	if group.Status != types.GroupActive {
		return types.UndoReport{}, errors.New(errGroupNotActive)
	}

	entries, err := s.audit.ListGroupEntries(ctx, groupID)
	if err != nil {
		return types.UndoReport{}, err
	}

	report := types.UndoReport{GroupID: groupID}
	for _, entry := range entries {
		result := types.EntryUndoResult{EntryID: entry.ID, OK: true}
		if err := s.audit.UndoEntry(ctx, actorID, entry.ID); err != nil {
			result.OK = false
			result.Code = undoFailureCode(err)
			report.Failed++
		} else {
			report.Succeeded++
		}
		report.Entries = append(report.Entries, result)
	}

	status := types.GroupUndone
	if report.Failed > 0 {
		status = types.GroupFailed
	}
	if err := s.audit.SetGroupStatus(ctx, groupID, status); err != nil {
		return report, err
	}

	if report.Succeeded > 0 {
		// Undone mutations can restore nodes anywhere in the tree;
		// dropping all cached chains is the safe coarse option.
		s.chains.InvalidatePrefix("")
	}
	return report, nil
}

func (s *undoService) UndoSingle(ctx context.Context, actorID int64, entryID string) (types.UndoReport, error) {
	entry, err := s.audit.GetEntry(ctx, entryID)
	if err != nil {
		if errors.Is(err, ports.ErrEntryNotFound) {
			return types.UndoReport{}, errors.New(errEntryNotFound)
		}
		return types.UndoReport{}, err
	}
	if entry.GroupID != "" {
		return types.UndoReport{}, httperr.NewBadRequest(errEntryInGroup)
	}

	report := types.UndoReport{}
	result := types.EntryUndoResult{EntryID: entryID, OK: true}
	if err := s.audit.UndoEntry(ctx, actorID, entryID); err != nil {
		if errors.Is(err, ports.ErrResourceBusy) {
			// Retryable: the parent row lock could not be acquired
			// without waiting.
			return types.UndoReport{}, httperr.NewBusy(errResourceBusy)
		}
		result.OK = false
		result.Code = undoFailureCode(err)
		report.Failed++
	} else {
		report.Succeeded++
		s.chains.InvalidatePrefix("")
	}
	report.Entries = append(report.Entries, result)
	return report, nil
}

func undoFailureCode(err error) string {
	switch {
	case errors.Is(err, ports.ErrEntryNotFound):
		return errEntryNotFound
	case errors.Is(err, ports.ErrEntryAlreadyUndone):
		return errEntryAlreadyUndone
	case errors.Is(err, ports.ErrEntryNotUndoable):
		return errEntryNotUndoable
	case errors.Is(err, ports.ErrResourceBusy):
		return errResourceBusy
	case errors.Is(err, ports.ErrParentGone):
		return errParentGone
	case errors.Is(err, ports.ErrNodeNotFound):
		return errNodeNotFound
	case errors.Is(err, ports.ErrNodeTombstoned):
		return errNodeTombstoned
	case errors.Is(err, ports.ErrNodeNotTombstoned):
		return errNodeNotTombstoned
	case errors.Is(err, ports.ErrCycleDetected):
		return errCycleDetected
	case errors.Is(err, ports.ErrSiblingIndexRange):
		return errSiblingIndexRange
	default:
		return "UNDO_FAILED"
	}
}

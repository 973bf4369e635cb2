package engine

import (
	"context"
	"encoding/json"
	"errors"

	"orcascore/engine/internal/errinfo"
	"orcascore/engine/internal/locks"
	"orcascore/engine/internal/review"
)

type documentParams struct {
	DocumentID int64 `json:"document_id"`
}

func (p documentParams) validate(phase string) *errinfo.ErrorInfo {
	if p.DocumentID <= 0 {
		return errinfo.ValidationFailed(phase, "document_id is required")
	}
	return nil
}

func decodeDocument(params json.RawMessage, phase string) (int64, *errinfo.ErrorInfo) {
	var req documentParams
	if errInfo := decodeParams(params, phase, &req); errInfo != nil {
		return 0, errInfo
	}
	if errInfo := req.validate(phase); errInfo != nil {
		return 0, errInfo
	}
	return req.DocumentID, nil
}

// LocksAcquire locks a document for a holder. Without an explicit
// original_content the current document is snapshotted.
func (e *Engine) LocksAcquire(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		documentParams
		Holder          string  `json:"holder"`
		OriginalContent *string `json:"original_content"`
	}
	if errInfo := decodeParams(params, errinfo.PhaseLocks, &req); errInfo != nil {
		return nil, errInfo
	}
	if errInfo := req.validate(errinfo.PhaseLocks); errInfo != nil {
		return nil, errInfo
	}
	holder, err := locks.ParseHolder(req.Holder)
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseLocks, err.Error())
	}
	snapshot := req.OriginalContent
	if snapshot == nil {
		content, err := e.db.ReadContent(ctx, req.DocumentID)
		if err != nil {
			return nil, storageError(errinfo.PhaseLocks, err)
		}
		snapshot = &content
	}
	if err := e.locks.AcquireStrict(ctx, req.DocumentID, holder, snapshot); err != nil {
		var conflict *locks.ConflictError
		if errors.As(err, &conflict) {
			return nil, errinfo.LockConflict(req.DocumentID, string(conflict.LockedBy))
		}
		return nil, errinfo.StorageFailed(errinfo.PhaseLocks, err.Error())
	}
	if holder == locks.HolderAgent {
		e.review.OnLockAcquired(req.DocumentID, holder)
	}
	return map[string]any{"acquired": true, "document_id": req.DocumentID, "holder": holder}, nil
}

// LocksRelease frees a lock. Releasing an agent lock runs the review
// comparison; releasing a user lock does not.
func (e *Engine) LocksRelease(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	documentID, errInfo := decodeDocument(params, errinfo.PhaseLocks)
	if errInfo != nil {
		return nil, errInfo
	}
	released, err := e.locks.Release(ctx, documentID)
	if err != nil {
		return nil, errinfo.StorageFailed(errinfo.PhaseLocks, err.Error())
	}
	if released == nil {
		return map[string]any{"released": false, "document_id": documentID}, nil
	}
	result := map[string]any{"released": true, "document_id": documentID, "holder": released.LockedBy}
	if released.LockedBy == locks.HolderAgent {
		state, err := e.review.OnLockReleased(ctx, documentID, released.OriginalContent)
		if err != nil {
			e.logger.Warn("locks.review_failed", "document_id", documentID, "error", err)
		}
		result["review"] = state
	}
	return result, nil
}

func (e *Engine) LocksCheck(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	documentID, errInfo := decodeDocument(params, errinfo.PhaseLocks)
	if errInfo != nil {
		return nil, errInfo
	}
	status, err := e.locks.Check(ctx, documentID)
	if err != nil {
		return nil, errinfo.StorageFailed(errinfo.PhaseLocks, err.Error())
	}
	return status, nil
}

func (e *Engine) LocksGetOriginalContent(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	documentID, errInfo := decodeDocument(params, errinfo.PhaseLocks)
	if errInfo != nil {
		return nil, errInfo
	}
	original, err := e.locks.OriginalContent(ctx, documentID)
	if err != nil {
		return nil, errinfo.StorageFailed(errinfo.PhaseLocks, err.Error())
	}
	return map[string]any{"document_id": documentID, "original_content": original}, nil
}

// LocksForceReleaseAll clears every lock. Documents that were merely locked
// return to clean; pending reviews are kept.
func (e *Engine) LocksForceReleaseAll(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	ids, err := e.locks.ForceReleaseAll(ctx)
	if err != nil {
		return nil, errinfo.StorageFailed(errinfo.PhaseLocks, err.Error())
	}
	for _, id := range ids {
		if e.review.State(id).Phase == review.PhaseLocked {
			e.review.Reset(id)
		}
	}
	if ids == nil {
		ids = []int64{}
	}
	return map[string]any{"released": len(ids), "document_ids": ids}, nil
}

package engine

import (
	"context"
	"encoding/json"
	"errors"

	"orcascore/engine/internal/errinfo"
	"orcascore/engine/internal/review"
)

func reviewError(documentID int64, err error) *errinfo.ErrorInfo {
	if errors.Is(err, review.ErrNoPendingReview) {
		return errinfo.NoPendingReview(documentID)
	}
	return errinfo.StorageFailed(errinfo.PhaseReview, err.Error())
}

func (e *Engine) ReviewGetState(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	documentID, errInfo := decodeDocument(params, errinfo.PhaseReview)
	if errInfo != nil {
		return nil, errInfo
	}
	return e.review.State(documentID), nil
}

func (e *Engine) ReviewGetDiff(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	documentID, errInfo := decodeDocument(params, errinfo.PhaseReview)
	if errInfo != nil {
		return nil, errInfo
	}
	result, err := e.review.Diff(documentID)
	if err != nil {
		return nil, reviewError(documentID, err)
	}
	return map[string]any{"document_id": documentID, "diff": result}, nil
}

func (e *Engine) ReviewAccept(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	documentID, errInfo := decodeDocument(params, errinfo.PhaseReview)
	if errInfo != nil {
		return nil, errInfo
	}
	state, err := e.review.Accept(documentID)
	if err != nil {
		return nil, reviewError(documentID, err)
	}
	return state, nil
}

func (e *Engine) ReviewRevert(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	documentID, errInfo := decodeDocument(params, errinfo.PhaseReview)
	if errInfo != nil {
		return nil, errInfo
	}
	state, err := e.review.Revert(ctx, documentID)
	if err != nil {
		return nil, reviewError(documentID, err)
	}
	return state, nil
}

// ReviewForceUnlock frees the document whoever holds it, without a review.
func (e *Engine) ReviewForceUnlock(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	documentID, errInfo := decodeDocument(params, errinfo.PhaseReview)
	if errInfo != nil {
		return nil, errInfo
	}
	released, err := e.review.ForceUnlock(ctx, documentID)
	if err != nil {
		return nil, errinfo.StorageFailed(errinfo.PhaseReview, err.Error())
	}
	result := map[string]any{"document_id": documentID, "released": released != nil}
	if released != nil {
		result["holder"] = released.LockedBy
	}
	return result, nil
}

func (e *Engine) DocumentsRead(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	documentID, errInfo := decodeDocument(params, errinfo.PhaseStorage)
	if errInfo != nil {
		return nil, errInfo
	}
	doc, err := e.db.ReadDocument(ctx, documentID)
	if err != nil {
		return nil, storageError(errinfo.PhaseStorage, err)
	}
	return doc, nil
}

// DocumentsWrite stores new content. Writes are cooperative: the lock is
// reported but not enforced.
func (e *Engine) DocumentsWrite(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		documentParams
		Content *string `json:"content"`
	}
	if errInfo := decodeParams(params, errinfo.PhaseStorage, &req); errInfo != nil {
		return nil, errInfo
	}
	if errInfo := req.validate(errinfo.PhaseStorage); errInfo != nil {
		return nil, errInfo
	}
	if req.Content == nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseStorage, "content is required")
	}
	status, err := e.locks.Check(ctx, req.DocumentID)
	if err != nil {
		return nil, errinfo.StorageFailed(errinfo.PhaseStorage, err.Error())
	}
	if err := e.db.WriteContent(ctx, req.DocumentID, *req.Content); err != nil {
		return nil, storageError(errinfo.PhaseStorage, err)
	}
	return map[string]any{"document_id": req.DocumentID, "lock": status}, nil
}

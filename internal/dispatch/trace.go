package dispatch

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/clausewatch/internal/ai"
	"github.com/kiranshivaraju/clausewatch/internal/artifact"
	"github.com/kiranshivaraju/clausewatch/internal/content"
	"github.com/kiranshivaraju/clausewatch/internal/lock"
	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

// TraceFromError normalizes an error into the trace written for a failed job.
func TraceFromError(err error) models.Trace {
	return models.Trace{Code: traceCode(err), Text: err.Error()}
}

func traceCode(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidTask):
		return models.CodeInvalidTask
	case errors.Is(err, content.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		return models.CodeNotFound
	case errors.Is(err, content.ErrConflict):
		return models.CodeConflict
	case errors.Is(err, ai.ErrInvalidResponse), errors.Is(err, ai.ErrAssetFailed):
		return models.CodeInvalidResponse
	case errors.Is(err, ai.ErrInferenceTimeout), errors.Is(err, ai.ErrAssetTimeout),
		errors.Is(err, content.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return models.CodeTimeout
	case errors.Is(err, ai.ErrProviderUnavailable), errors.Is(err, content.ErrUnavailable),
		errors.Is(err, lock.ErrLeaseLost), errors.Is(err, lock.ErrLocked):
		return models.CodeUnavailable
	}
	return models.CodeInternal
}

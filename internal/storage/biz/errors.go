package biz

import (
	"context"
	"errors"

	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
)

var (
	ErrFileNotFound         = errors.New("file not found")
	ErrVersionNotFound      = errors.New("version not found")
	ErrQuotaAccountNotFound = errors.New("quota account not found")
	ErrVersionConflict      = errors.New("file version changed concurrently")
	ErrInvalidRecord        = errors.New("invalid file record")
)

// isCancellation reports a caller disconnect or deadline
func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// lookupError maps repository lookups to API errors
func lookupError(err error) error {
	switch {
	case errors.Is(err, ErrFileNotFound):
		return apperrors.Wrap(err, apperrors.ErrFileNotFound)
	case errors.Is(err, ErrVersionNotFound):
		return apperrors.Wrap(err, apperrors.ErrVersionNotFound)
	case errors.Is(err, ErrInvalidRecord):
		return apperrors.Wrap(err, apperrors.ErrValidation, err.Error())
	}
	return apperrors.Wrap(err, apperrors.ErrInternalServer)
}

// writeError classifies a failure after content reached the blob store
func writeError(ctx context.Context, err error, code int) error {
	if isCancellation(ctx, err) {
		return apperrors.Wrap(err, apperrors.ErrStorageWrite, "upload cancelled")
	}
	return apperrors.Wrap(err, code)
}

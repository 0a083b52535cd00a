package biz

import (
	"context"
	"fmt"

	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"go.uber.org/zap"
)

// QuotaAccount is one owner's storage budget. QuotaBytes <= 0 means unlimited.
type QuotaAccount struct {
	OwnerID       string
	UsedBytes     int64
	ReservedBytes int64
	QuotaBytes    int64
}

// Unlimited reports an account without a cap
func (a *QuotaAccount) Unlimited() bool {
	return a.QuotaBytes <= 0
}

// Available returns the bytes that can still be reserved, -1 when unlimited
func (a *QuotaAccount) Available() int64 {
	if a.Unlimited() {
		return -1
	}
	if free := a.QuotaBytes - a.UsedBytes - a.ReservedBytes; free > 0 {
		return free
	}
	return 0
}

// QuotaLedger tracks per-owner consumption of active files. Reservations
// are taken before bytes are stored and turned into usage in the same
// transaction as the metadata write.
type QuotaLedger struct {
	repo         QuotaRepo
	files        FileRepo
	defaultQuota int64
	logger       *logger.Logger
}

func NewQuotaLedger(repo QuotaRepo, files FileRepo, defaultQuota int64, log *logger.Logger) *QuotaLedger {
	return &QuotaLedger{repo: repo, files: files, defaultQuota: defaultQuota, logger: log.Named("quota")}
}

// Reserve holds bytes for ownerID or fails with ErrQuotaExceeded
func (q *QuotaLedger) Reserve(ctx context.Context, ownerID string, bytes int64) error {
	if bytes < 0 {
		return apperrors.Newf(apperrors.ErrInvalidParams, "negative reservation %d", bytes)
	}
	if err := q.repo.CreateIfMissing(ctx, ownerID, q.defaultQuota); err != nil {
		return apperrors.Wrap(err, apperrors.ErrInternalServer, "create quota account")
	}
	if bytes == 0 {
		return nil
	}

	ok, err := q.repo.TryReserve(ctx, ownerID, bytes)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrInternalServer, "reserve quota")
	}
	if !ok {
		acct, _ := q.repo.Get(ctx, ownerID)
		q.logger.WithContext(ctx).Info("quota exceeded",
			zap.String("owner_id", ownerID),
			zap.Int64("requested", bytes),
		)
		if acct != nil {
			return apperrors.Newf(apperrors.ErrQuotaExceeded,
				"need %d bytes, %d of %d used", bytes, acct.UsedBytes+acct.ReservedBytes, acct.QuotaBytes)
		}
		return apperrors.New(apperrors.ErrQuotaExceeded)
	}
	return nil
}

// Commit converts a reservation into usage
func (q *QuotaLedger) Commit(ctx context.Context, ownerID string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	return q.repo.Commit(ctx, ownerID, bytes)
}

// Cancel drops a reservation that will not be committed
func (q *QuotaLedger) Cancel(ctx context.Context, ownerID string, bytes int64) {
	if bytes <= 0 {
		return
	}
	if err := q.repo.Cancel(ctx, ownerID, bytes); err != nil {
		q.logger.WithContext(ctx).Error("cancel quota reservation failed",
			zap.String("owner_id", ownerID),
			zap.Int64("bytes", bytes),
			zap.Error(err),
		)
	}
}

// Release returns used bytes, floored at zero
func (q *QuotaLedger) Release(ctx context.Context, ownerID string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	return q.repo.Release(ctx, ownerID, bytes)
}

// Get returns the owner's account, creating it with the default quota
func (q *QuotaLedger) Get(ctx context.Context, ownerID string) (*QuotaAccount, error) {
	if err := q.repo.CreateIfMissing(ctx, ownerID, q.defaultQuota); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
	}
	acct, err := q.repo.Get(ctx, ownerID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
	}
	return acct, nil
}

// SetQuota changes the owner's cap; existing usage above the cap is kept
func (q *QuotaLedger) SetQuota(ctx context.Context, ownerID string, quotaBytes int64) error {
	if err := q.repo.CreateIfMissing(ctx, ownerID, quotaBytes); err != nil {
		return apperrors.Wrap(err, apperrors.ErrInternalServer)
	}
	return q.repo.SetQuota(ctx, ownerID, quotaBytes)
}

// Recalculate resets used_bytes to the sum of the owner's active files
func (q *QuotaLedger) Recalculate(ctx context.Context, ownerID string) (*QuotaAccount, error) {
	used, err := q.files.SumActiveSize(ctx, ownerID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer, "sum active size")
	}
	if err := q.repo.CreateIfMissing(ctx, ownerID, q.defaultQuota); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
	}
	if err := q.repo.SetUsed(ctx, ownerID, used); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer, fmt.Sprintf("set used for %s", ownerID))
	}
	return q.repo.Get(ctx, ownerID)
}

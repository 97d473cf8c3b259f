package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/bkyalo/mpesaKenya/internal/config"
	"github.com/bkyalo/mpesaKenya/internal/models"
	"github.com/bkyalo/mpesaKenya/internal/repositories"
	"github.com/bkyalo/mpesaKenya/pkg/daraja"
)

// Limit on stale rows handled per pass, so one slow provider doesn't stall a
// run indefinitely. Whatever is left over is picked up next sweep.
const sweepBatchLimit = 1000

// Compile-time check to ensure SweeperServiceImpl implements SweeperService
var _ SweeperService = (*SweeperServiceImpl)(nil)

// SweeperServiceImpl reconciles transactions the callback may have missed and
// enforces the retention policy. Each pass is idempotent; all state lives in
// the transaction store.
type SweeperServiceImpl struct {
	txnRepo  repositories.TransactionRepository
	logRepo  repositories.TransactionLogRepository
	provider ProviderClient
	payments PaymentService
	cfg      config.SweeperConfig
	logger   *slog.Logger
}

// NewSweeperService creates a new SweeperServiceImpl
func NewSweeperService(
	txnRepo repositories.TransactionRepository,
	logRepo repositories.TransactionLogRepository,
	provider ProviderClient,
	payments PaymentService,
	cfg config.SweeperConfig,
	logger *slog.Logger,
) *SweeperServiceImpl {
	return &SweeperServiceImpl{
		txnRepo:  txnRepo,
		logRepo:  logRepo,
		provider: provider,
		payments: payments,
		cfg:      cfg,
		logger:   logger.With("component", "sweeper"),
	}
}

// RunOnce performs a single reconciliation and retention pass
func (s *SweeperServiceImpl) RunOnce(ctx context.Context) (*SweepStats, error) {
	stats := &SweepStats{}

	cutoff := time.Now().Add(-s.cfg.PendingTimeout)
	stale, err := s.txnRepo.FindStalePending(ctx, cutoff, sweepBatchLimit)
	if err != nil {
		return stats, err
	}
	stats.StaleFound = len(stale)

	for _, txn := range stale {
		s.reconcile(ctx, txn, stats)
	}

	s.applyRetention(ctx, stats)

	if stats.StaleFound > 0 || stats.RowsDeleted > 0 {
		s.logger.InfoContext(ctx, "Sweep finished",
			"stale", stats.StaleFound,
			"resolved", stats.Resolved,
			"expired", stats.Expired,
			"queryErrors", stats.QueryErrors,
			"rowsDeleted", stats.RowsDeleted,
			"logsDeleted", stats.LogsDeleted)
	}
	return stats, nil
}

// reconcile re-queries the provider for one stale transaction and feeds the
// answer through the coordinator's single transition operation.
func (s *SweeperServiceImpl) reconcile(ctx context.Context, txn *models.Transaction, stats *SweepStats) {
	resp, err := s.provider.QueryStatus(ctx, txn.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, daraja.ErrAuthFailed) {
			// Our credentials are the problem, not this transaction. The
			// monitor's connectivity check raises the alarm; expiring here
			// would discard payments the provider may yet confirm.
			stats.QueryErrors++
			s.logger.ErrorContext(ctx, "Reconciliation query failed authentication",
				"transactionId", txn.ID.Hex(), "error", err)
			return
		}
		if rej, ok := daraja.IsRejected(err); ok {
			if rej.Code == daraja.ErrorCodeProcessing {
				// Provider still has the request in flight; leave it for the
				// next pass.
				return
			}
			// The provider no longer knows this checkout request: it has
			// expired on their side.
			if _, eerr := s.payments.Expire(ctx, txn.CheckoutRequestID, rej.Message); eerr != nil {
				s.logger.ErrorContext(ctx, "Failed to expire transaction",
					"transactionId", txn.ID.Hex(), "error", eerr)
				return
			}
			stats.Expired++
			return
		}

		// Unreachable: count the failure and give up on provider contact
		// after repeated misses.
		stats.QueryErrors++
		if rerr := s.txnRepo.RecordProviderQuery(ctx, txn.ID, time.Now(), true); rerr != nil {
			s.logger.WarnContext(ctx, "Failed to record query attempt", "transactionId", txn.ID.Hex(), "error", rerr)
		}
		if txn.QueryAttempts+1 >= s.cfg.MaxQueryFailures {
			if _, eerr := s.payments.Expire(ctx, txn.CheckoutRequestID, "expired after repeated reconciliation failures"); eerr != nil {
				s.logger.ErrorContext(ctx, "Failed to force-expire transaction",
					"transactionId", txn.ID.Hex(), "error", eerr)
				return
			}
			stats.Expired++
			return
		}
		s.logger.WarnContext(ctx, "Reconciliation query failed, will retry next sweep",
			"transactionId", txn.ID.Hex(),
			"attempts", txn.QueryAttempts+1,
			"error", err)
		return
	}

	code, err := strconv.Atoi(resp.ResultCode)
	if err != nil {
		s.logger.WarnContext(ctx, "Unparseable result code from reconciliation query",
			"transactionId", txn.ID.Hex(), "resultCode", resp.ResultCode)
		return
	}

	raw, _ := json.Marshal(resp)
	if _, err := s.payments.ApplyProviderResult(ctx, txn.CheckoutRequestID, code, resp.ResultDesc, nil, string(raw)); err != nil {
		if !errors.Is(err, ErrUnknownTransaction) {
			s.logger.ErrorContext(ctx, "Failed to apply reconciled result",
				"transactionId", txn.ID.Hex(), "error", err)
		}
		return
	}
	stats.Resolved++
}

// applyRetention deletes old terminal transactions together with their audit
// log rows. The cascade is explicit since no database constraint is assumed.
func (s *SweeperServiceImpl) applyRetention(ctx context.Context, stats *SweepStats) {
	now := time.Now()

	windows := []struct {
		statuses []string
		cutoff   time.Time
	}{
		{[]string{models.StatusCompleted}, now.Add(-s.cfg.CompletedRetention)},
		{[]string{models.StatusFailed, models.StatusCancelled, models.StatusExpired}, now.Add(-s.cfg.FailedRetention)},
	}

	for _, w := range windows {
		ids, err := s.txnRepo.DeleteTerminalOlderThan(ctx, w.statuses, w.cutoff)
		if err != nil {
			s.logger.ErrorContext(ctx, "Retention delete failed", "statuses", w.statuses, "error", err)
			continue
		}
		if len(ids) == 0 {
			continue
		}
		stats.RowsDeleted += len(ids)

		deleted, err := s.logRepo.DeleteByTransactionIDs(ctx, ids)
		if err != nil {
			s.logger.ErrorContext(ctx, "Cascade delete of audit logs failed", "error", err)
			continue
		}
		stats.LogsDeleted += deleted
	}
}

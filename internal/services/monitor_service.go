package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bkyalo/mpesaKenya/internal/config"
	"github.com/bkyalo/mpesaKenya/internal/models"
	"github.com/bkyalo/mpesaKenya/internal/repositories"
	"github.com/bkyalo/mpesaKenya/pkg/smsgateway"
)

// StorePinger is the slice of the database client the monitor probes
type StorePinger interface {
	Ping(ctx context.Context) error
}

// Compile-time check to ensure MonitorServiceImpl implements MonitorService
var _ MonitorService = (*MonitorServiceImpl)(nil)

// MonitorServiceImpl runs the periodic health checks: provider reachability,
// coordinator backlog, failure volume, store connectivity and configuration
// completeness. Non-ok reports are escalated through the SMS gateway.
type MonitorServiceImpl struct {
	txnRepo  repositories.TransactionRepository
	provider ProviderClient
	store    StorePinger
	alerts   smsgateway.Gateway
	appCfg   *config.Config
	cfg      config.MonitorConfig
	logger   *slog.Logger
}

// NewMonitorService creates a new MonitorServiceImpl
func NewMonitorService(
	txnRepo repositories.TransactionRepository,
	provider ProviderClient,
	store StorePinger,
	alerts smsgateway.Gateway,
	appCfg *config.Config,
	logger *slog.Logger,
) *MonitorServiceImpl {
	return &MonitorServiceImpl{
		txnRepo:  txnRepo,
		provider: provider,
		store:    store,
		alerts:   alerts,
		appCfg:   appCfg,
		cfg:      appCfg.Monitor,
		logger:   logger.With("component", "monitor"),
	}
}

// RunChecks executes every check, aggregates a worst-of overall status and
// sends an alert when the result is not ok.
func (s *MonitorServiceImpl) RunChecks(ctx context.Context) *models.MonitorReport {
	report := &models.MonitorReport{
		Timestamp: time.Now(),
		Status:    models.CheckStatusOK,
		Checks: []models.CheckResult{
			s.checkProviderConnectivity(ctx),
			s.checkRecentFailures(ctx),
			s.checkStalePending(ctx),
			s.checkStoreConnection(ctx),
			s.checkConfiguration(),
		},
	}

	for _, check := range report.Checks {
		report.Status = models.Worst(report.Status, check.Status)
	}

	if report.Status != models.CheckStatusOK {
		s.logger.WarnContext(ctx, "Health checks degraded", "status", report.Status)
		s.sendAlert(ctx, report)
	}
	return report
}

// checkProviderConnectivity probes the provider with a token fetch
func (s *MonitorServiceImpl) checkProviderConnectivity(ctx context.Context) models.CheckResult {
	result := models.CheckResult{
		Name:    "provider_connectivity",
		Status:  models.CheckStatusOK,
		Details: map[string]interface{}{},
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := s.provider.GetAccessToken(probeCtx); err != nil {
		result.Status = models.CheckStatusError
		result.Details["error"] = err.Error()
	}
	return result
}

// checkRecentFailures flags a failure volume spike in the recent window
func (s *MonitorServiceImpl) checkRecentFailures(ctx context.Context) models.CheckResult {
	result := models.CheckResult{
		Name:    "recent_failures",
		Status:  models.CheckStatusOK,
		Details: map[string]interface{}{"window": s.cfg.FailureWindow.String()},
	}

	count, err := s.txnRepo.CountFailedSince(ctx, time.Now().Add(-s.cfg.FailureWindow))
	if err != nil {
		result.Status = models.CheckStatusError
		result.Details["error"] = err.Error()
		return result
	}

	result.Details["count"] = count
	if count >= s.cfg.FailureErrCount {
		result.Status = models.CheckStatusError
		result.Details["message"] = "high number of failed transactions"
	} else if count >= s.cfg.FailureWarnCount {
		result.Status = models.CheckStatusWarning
		result.Details["message"] = "some failed transactions detected"
	}
	return result
}

// checkStalePending counts transactions the sweeper should have resolved by
// now; growth here means the sweeper is falling behind.
func (s *MonitorServiceImpl) checkStalePending(ctx context.Context) models.CheckResult {
	result := models.CheckResult{
		Name:    "stale_pending",
		Status:  models.CheckStatusOK,
		Details: map[string]interface{}{"threshold": s.appCfg.Sweeper.PendingTimeout.String()},
	}

	count, err := s.txnRepo.CountStalePending(ctx, time.Now().Add(-s.appCfg.Sweeper.PendingTimeout))
	if err != nil {
		result.Status = models.CheckStatusError
		result.Details["error"] = err.Error()
		return result
	}

	result.Details["count"] = count
	if count > 0 {
		result.Status = models.CheckStatusWarning
		result.Details["message"] = "transactions pending past the sweeper threshold"
	}
	return result
}

// checkStoreConnection probes the transaction store
func (s *MonitorServiceImpl) checkStoreConnection(ctx context.Context) models.CheckResult {
	result := models.CheckResult{
		Name:    "store_connection",
		Status:  models.CheckStatusOK,
		Details: map[string]interface{}{},
	}

	if err := s.store.Ping(ctx); err != nil {
		result.Status = models.CheckStatusError
		result.Details["error"] = err.Error()
		return result
	}

	count, err := s.txnRepo.Count(ctx)
	if err != nil {
		result.Status = models.CheckStatusError
		result.Details["error"] = err.Error()
		return result
	}
	result.Details["totalTransactions"] = count
	return result
}

// checkConfiguration verifies required credentials are present and not left
// at placeholder defaults.
func (s *MonitorServiceImpl) checkConfiguration() models.CheckResult {
	result := models.CheckResult{
		Name:    "configuration",
		Status:  models.CheckStatusOK,
		Details: map[string]interface{}{"environment": s.appCfg.Mpesa.Environment},
	}

	required := map[string]string{
		"consumerKey":    s.appCfg.Mpesa.ConsumerKey,
		"consumerSecret": s.appCfg.Mpesa.ConsumerSecret,
		"shortcode":      s.appCfg.Mpesa.Shortcode,
		"passkey":        s.appCfg.Mpesa.Passkey,
		"callbackUrl":    s.appCfg.Mpesa.CallbackURL,
	}

	var missing, insecure []string
	for name, value := range required {
		switch {
		case value == "":
			missing = append(missing, name)
		case strings.Contains(strings.ToUpper(value), "CHANGEME") || value == "YOUR_SECRET_HERE":
			insecure = append(insecure, name)
		}
	}

	if len(missing) > 0 {
		result.Status = models.CheckStatusError
		result.Details["missing"] = missing
	}
	if len(insecure) > 0 {
		result.Status = models.Worst(result.Status, models.CheckStatusWarning)
		result.Details["placeholderValues"] = insecure
	}
	return result
}

// sendAlert texts a compact report to the configured operator MSISDN
func (s *MonitorServiceImpl) sendAlert(ctx context.Context, report *models.MonitorReport) {
	if s.cfg.AlertMSISDN == "" {
		s.logger.WarnContext(ctx, "No alert MSISDN configured, skipping alert")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "M-Pesa gateway %s at %s:", strings.ToUpper(report.Status), report.Timestamp.Format(time.RFC3339))
	for _, check := range report.Checks {
		if check.Status == models.CheckStatusOK {
			continue
		}
		fmt.Fprintf(&b, " %s=%s", check.Name, check.Status)
		if msg, ok := check.Details["message"].(string); ok {
			fmt.Fprintf(&b, " (%s)", msg)
		}
	}

	if err := s.alerts.SendSMS(ctx, s.cfg.AlertMSISDN, b.String()); err != nil {
		s.logger.ErrorContext(ctx, "Failed to send alert SMS", "error", err)
	}
}

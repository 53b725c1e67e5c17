package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"aegis/internal/audit"
	"aegis/internal/quota/metrics"
	"aegis/internal/quota/models"
	"aegis/internal/quota/store"
	id "aegis/pkg/domain"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/platform/sentinel"
	"aegis/pkg/requestcontext"
)

// Soft thresholds, as fractions of the limit. Crossing one emits a
// quota_warning audit event and a notifier call, never a rejection.
var warnThresholds = []float64{0.80, 0.95}

// Recorder records audit events. Limit assignments fail the operation when
// the event cannot be appended; rejections and threshold warnings are
// recorded best-effort so an audit outage never masks a denial.
type Recorder interface {
	Record(ctx context.Context, event audit.Event) error
}

// Notifier receives soft threshold crossings. Implementations must not block.
type Notifier interface {
	NotifyThreshold(ctx context.Context, tenantID id.TenantID, metric models.Metric, threshold float64, used, limit int64)
}

type QuotaService struct {
	store    store.QuotaStore
	audit    Recorder
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.QuotaMetrics
}

type Option func(*QuotaService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *QuotaService) { s.logger = logger }
}

func WithMetrics(m *metrics.QuotaMetrics) Option {
	return func(s *QuotaService) { s.metrics = m }
}

func WithNotifier(n Notifier) Option {
	return func(s *QuotaService) { s.notifier = n }
}

func NewQuotaService(store store.QuotaStore, recorder Recorder, opts ...Option) *QuotaService {
	s := &QuotaService{
		store:  store,
		audit:  recorder,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyPlan binds the limit profile for plan to the tenant. Usage counters
// are untouched, so a downgrade can leave a tenant over its new ceiling;
// subsequent reservations are rejected until usage drains below the limit.
func (s *QuotaService) ApplyPlan(ctx context.Context, tenantID id.TenantID, plan string) error {
	limits, err := models.LimitsForPlan(plan)
	if err != nil {
		return err
	}
	if err := s.store.ApplyLimits(ctx, tenantID, limits); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "apply limits")
	}

	if err := s.audit.Record(ctx, audit.Event{
		TenantID: tenantID,
		Type:     audit.EventQuotaLimitsApplied,
		Payload:  map[string]any{"plan": plan},
	}); err != nil {
		return err
	}
	return nil
}

// CheckAndReserve atomically admits amount units of metric or rejects with
// CodeQuotaExceeded. It never blocks waiting for capacity. On success it
// reports the capacity remaining after the reservation.
func (s *QuotaService) CheckAndReserve(ctx context.Context, tenantID id.TenantID, metric models.Metric, amount int64) (int64, error) {
	if !metric.Valid() {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "unknown quota metric: "+string(metric))
	}
	if amount <= 0 {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "reservation amount must be positive")
	}

	limits, err := s.store.GetLimits(ctx, tenantID)
	if err != nil {
		return 0, s.wrapStoreErr(err, tenantID)
	}
	limit := limits.For(metric)
	window := s.windowFor(ctx, metric)

	used, granted, err := s.store.CheckAndReserve(ctx, tenantID, metric, amount, limit, window)
	if err != nil {
		return 0, s.wrapStoreErr(err, tenantID)
	}

	if !granted {
		if s.metrics != nil {
			s.metrics.ReservationsDenied.WithLabelValues(string(metric)).Inc()
		}
		// Rejections are recorded best-effort: the caller is already
		// being denied, an audit outage must not hide that denial.
		if auditErr := s.audit.Record(ctx, audit.Event{
			TenantID: tenantID,
			Type:     audit.EventQuotaExceeded,
			Payload:  map[string]any{"metric": string(metric), "used": used, "limit": limit, "requested": amount},
		}); auditErr != nil {
			s.logger.ErrorContext(ctx, "audit quota rejection failed", "error", auditErr, "tenant_id", tenantID.String())
		}
		return 0, dErrors.New(dErrors.CodeQuotaExceeded,
			fmt.Sprintf("quota exceeded for %s: %d of %d used", metric, used, limit))
	}

	if s.metrics != nil {
		s.metrics.ReservationsGranted.WithLabelValues(string(metric)).Inc()
	}
	s.warnIfCrossed(ctx, tenantID, metric, used-amount, used, limit)
	return limit - used, nil
}

// Release returns previously reserved capacity for absolute metrics.
// Releasing more than is held clamps the counter at zero.
func (s *QuotaService) Release(ctx context.Context, tenantID id.TenantID, metric models.Metric, amount int64) error {
	if !metric.Valid() {
		return dErrors.New(dErrors.CodeInvalidInput, "unknown quota metric: "+string(metric))
	}
	if amount <= 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "release amount must be positive")
	}
	window := s.windowFor(ctx, metric)
	if err := s.store.Release(ctx, tenantID, metric, amount, window); err != nil {
		return s.wrapStoreErr(err, tenantID)
	}
	return nil
}

// Usage reports the current counters and limits for every metric.
func (s *QuotaService) Usage(ctx context.Context, tenantID id.TenantID) ([]models.Usage, error) {
	limits, err := s.store.GetLimits(ctx, tenantID)
	if err != nil {
		return nil, s.wrapStoreErr(err, tenantID)
	}

	all := []models.Metric{
		models.MetricUsers,
		models.MetricProjects,
		models.MetricAPICalls,
		models.MetricStorageBytes,
		models.MetricConcurrentSessions,
	}
	snapshot := make([]models.Usage, len(all))
	g, gctx := errgroup.WithContext(ctx)
	for i, metric := range all {
		g.Go(func() error {
			window := s.windowFor(ctx, metric)
			used, err := s.store.Used(gctx, tenantID, metric, window)
			if err != nil {
				return s.wrapStoreErr(err, tenantID)
			}
			u := models.Usage{Metric: metric, Used: used, Limit: limits.For(metric)}
			if metric.Windowed() {
				u.WindowStart = window
			}
			snapshot[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *QuotaService) windowFor(ctx context.Context, metric models.Metric) time.Time {
	if !metric.Windowed() {
		return time.Time{}
	}
	return models.WindowStart(requestcontext.Now(ctx))
}

func (s *QuotaService) warnIfCrossed(ctx context.Context, tenantID id.TenantID, metric models.Metric, before, after, limit int64) {
	if limit <= 0 {
		return
	}
	for _, threshold := range warnThresholds {
		mark := int64(float64(limit) * threshold)
		if before >= mark || after < mark {
			continue
		}
		if s.metrics != nil {
			s.metrics.ThresholdWarnings.WithLabelValues(fmt.Sprintf("%d", int(threshold*100))).Inc()
		}
		if err := s.audit.Record(ctx, audit.Event{
			TenantID: tenantID,
			Type:     audit.EventQuotaWarning,
			Payload:  map[string]any{"metric": string(metric), "threshold": threshold, "used": after, "limit": limit},
		}); err != nil {
			s.logger.ErrorContext(ctx, "audit quota warning failed", "error", err, "tenant_id", tenantID.String())
		}
		if s.notifier != nil {
			s.notifier.NotifyThreshold(ctx, tenantID, metric, threshold, after, limit)
		}
	}
}

func (s *QuotaService) wrapStoreErr(err error, tenantID id.TenantID) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "no quota limits for tenant "+tenantID.String())
	}
	return dErrors.Wrap(err, dErrors.CodeUnavailable, "quota store unavailable")
}

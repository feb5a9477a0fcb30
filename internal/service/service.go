package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"snipr/internal/alerting"
	"snipr/internal/config"
	"snipr/internal/gas"
	"snipr/internal/risk"
	"snipr/internal/scheduler"
	"snipr/internal/snipe"
	"snipr/internal/storage"
)

const (
	persistTimeout = 5 * time.Second
	intakeBatch    = 32
	restartReason  = "process restarted"
)

// ErrHostLocked is returned by Run when another process already hosts the scheduler.
var ErrHostLocked = errors.New("another snipr run holds the scheduler lock")

// RiskLedger is the bookkeeping side of the risk gate.
type RiskLedger interface {
	Profile(userID string) risk.Profile
	Metrics(userID string) risk.Metrics
	HasCustomProfile(userID string) bool
	Restore(userID string, profile *risk.Profile, metrics risk.Metrics)
	ReplaceProfile(userID string, profile risk.Profile)
	ResetAllDaily() int
}

// OpportunityFinder scans pending transactions.
type OpportunityFinder interface {
	FindOpportunities(ctx context.Context) ([]gas.Opportunity, error)
}

// SnipeRunner admits and cancels snipes on behalf of queued requests.
type SnipeRunner interface {
	ScheduleWithID(ctx context.Context, id, userID string, req snipe.Request) (string, error)
	Cancel(ctx context.Context, id string) bool
}

// Deps groups the collaborators of the service. Nil stores and notifier are skipped.
type Deps struct {
	Ledger   RiskLedger
	Finder   OpportunityFinder
	Snipes   storage.SnipeStore
	Risks    storage.RiskStore
	Alerts   storage.AlertStore
	Requests storage.RequestStore
	Notifier alerting.Notifier
	Rollover *scheduler.Scheduler
	Scan     *scheduler.Scheduler
	Intake   *scheduler.Scheduler
}

// Service persists snipe lifecycles, sends outcome alerts, and runs the
// daily rollover and opportunity scan loops.
type Service struct {
	deps   Deps
	logger zerolog.Logger

	alertsOn    bool
	alertStates []string
	channels    []string
	locker      storage.AdvisoryLocker
	lockKey     int64
	hostKey     int64

	runner   SnipeRunner
	inflight sync.WaitGroup

	mu            sync.RWMutex
	opportunities []gas.Opportunity
	scannedAt     time.Time
}

// New constructs the service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := deps.Risks.(storage.AdvisoryLocker); ok {
		locker = l
	}

	var channels []string
	if cfg.Alerting.Telegram.Enabled {
		channels = append(channels, "telegram")
	}

	return &Service{
		deps:        deps,
		logger:      logger.With().Str("component", "service").Logger(),
		alertsOn:    cfg.Alerting.Enabled && deps.Notifier != nil,
		alertStates: cfg.Alerting.States,
		channels:    channels,
		locker:      locker,
		lockKey:     cfg.Scheduler.AdvisoryLockKey,
		hostKey:     cfg.Scheduler.HostLockKey,
	}
}

// Bind attaches the snipe scheduler that queued requests are admitted into.
func (s *Service) Bind(runner SnipeRunner) {
	s.runner = runner
}

// Hydrate restores persisted risk state into the ledger. It is read-only and
// safe to call from any process.
func (s *Service) Hydrate(ctx context.Context) error {
	if s.deps.Risks == nil || s.deps.Ledger == nil {
		return nil
	}
	states, err := s.deps.Risks.ListRiskStates(ctx)
	if err != nil {
		return fmt.Errorf("load risk states: %w", err)
	}
	for _, st := range states {
		s.deps.Ledger.Restore(st.UserID, st.Profile, st.Metrics)
	}
	s.logger.Info().Int("users", len(states)).Msg("risk state restored")
	return nil
}

// Run takes the host lock, recovers what a previous host left unfinished and
// blocks running the rollover, scan and intake loops until ctx is cancelled.
// Admissions still in flight are waited for before it returns.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Rollover == nil && s.deps.Scan == nil && s.deps.Intake == nil {
		return fmt.Errorf("scheduler not configured")
	}

	release, err := s.acquireHost(ctx)
	if err != nil {
		return err
	}
	if release != nil {
		defer release()
	}

	if err := s.recoverStale(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.deps.Rollover != nil {
		g.Go(func() error { return s.deps.Rollover.Run(gctx, s.Rollover) })
	}
	if s.deps.Scan != nil && s.deps.Finder != nil {
		g.Go(func() error { return s.deps.Scan.Run(gctx, s.ScanOpportunities) })
	}
	if s.deps.Intake != nil && s.deps.Requests != nil && s.runner != nil {
		g.Go(func() error { return s.deps.Intake.Run(gctx, s.ProcessRequests) })
	}
	err = g.Wait()
	s.inflight.Wait()
	return err
}

// ProcessRequests admits queued snipe requests and forwards cancel requests.
// Each admission runs on its own goroutine because an immediate snipe executes
// inside ScheduleWithID.
func (s *Service) ProcessRequests(ctx context.Context, window time.Time) error {
	if s.runner == nil || s.deps.Requests == nil {
		return fmt.Errorf("snipe intake not configured")
	}

	claimed, err := s.deps.Requests.ClaimSnipeRequests(ctx, intakeBatch)
	if err != nil {
		return fmt.Errorf("claim snipe requests: %w", err)
	}
	for _, req := range claimed {
		s.inflight.Add(1)
		go s.admit(context.WithoutCancel(ctx), req)
	}

	cancels, err := s.deps.Requests.ClaimCancelRequests(ctx)
	if err != nil {
		return fmt.Errorf("claim cancel requests: %w", err)
	}
	for _, id := range cancels {
		if s.runner.Cancel(ctx, id) {
			s.logger.Info().Str("snipe", id).Msg("queued cancel applied")
		} else {
			s.logger.Info().Str("snipe", id).Msg("queued cancel arrived after execution started")
		}
	}

	if len(claimed) > 0 || len(cancels) > 0 {
		s.logger.Debug().Time("window", window).
			Int("claimed", len(claimed)).
			Int("cancels", len(cancels)).
			Msg("snipe intake processed")
	}
	return nil
}

func (s *Service) admit(ctx context.Context, req storage.SnipeRequest) {
	defer s.inflight.Done()

	s.refreshProfile(ctx, req.UserID)

	status, reason := storage.RequestAccepted, ""
	if _, err := s.runner.ScheduleWithID(ctx, req.ID, req.UserID, req.Request); err != nil {
		reason = snipe.Reason(err)
		// an accepted snipe reports its execution failure through its own row
		if errors.Is(err, snipe.ErrInvalidRequest) || errors.Is(err, snipe.ErrRiskLimitExceeded) || errors.Is(err, snipe.ErrSchedulerClosed) {
			status = storage.RequestRejected
		}
	}

	rctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := s.deps.Requests.ResolveSnipeRequest(rctx, req.ID, status, reason); err != nil {
		s.logger.Error().Err(err).Str("snipe", req.ID).Msg("failed to resolve snipe request")
		return
	}
	s.logger.Info().Str("snipe", req.ID).
		Str("user", req.UserID).
		Str("status", string(status)).
		Str("reason", reason).
		Msg("snipe request resolved")
}

// refreshProfile picks up limits another process stored since this one started.
func (s *Service) refreshProfile(ctx context.Context, userID string) {
	if s.deps.Risks == nil || s.deps.Ledger == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	profile, err := s.deps.Risks.GetRiskProfile(rctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user", userID).Msg("failed to refresh risk profile")
		return
	}
	if profile != nil {
		s.deps.Ledger.ReplaceProfile(userID, *profile)
	}
}

// recoverStale fails snipes and claimed requests left behind by a previous
// host. Only the host lock holder may call it.
func (s *Service) recoverStale(ctx context.Context) error {
	if s.deps.Snipes != nil {
		n, err := s.deps.Snipes.FailStaleSnipes(ctx, restartReason)
		if err != nil {
			return fmt.Errorf("fail stale snipes: %w", err)
		}
		if n > 0 {
			s.logger.Warn().Int64("count", n).Msg("marked unfinished snipes as failed")
		}
	}
	if s.deps.Requests != nil {
		n, err := s.deps.Requests.AbandonClaimedRequests(ctx, restartReason)
		if err != nil {
			return fmt.Errorf("abandon claimed requests: %w", err)
		}
		if n > 0 {
			s.logger.Warn().Int64("count", n).Msg("rejected requests claimed by a previous run")
		}
	}
	return nil
}

func (s *Service) acquireHost(ctx context.Context) (func(), error) {
	if s.hostKey == 0 || s.locker == nil {
		return nil, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.hostKey)
	if err != nil {
		return nil, fmt.Errorf("acquire host lock: %w", err)
	}
	if !acquired {
		return nil, ErrHostLocked
	}
	return unlock, nil
}

// SnipeUpdated persists every transition and alerts on configured terminal states.
func (s *Service) SnipeUpdated(ctx context.Context, sn snipe.Snipe) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	log := s.logger.With().Str("snipe", sn.ID).Str("state", string(sn.State)).Int("version", sn.Version).Logger()

	if s.deps.Snipes != nil {
		applied, err := s.deps.Snipes.UpsertSnipe(ctx, sn)
		if err != nil {
			log.Error().Err(err).Msg("failed to persist snipe")
		} else if !applied {
			log.Debug().Msg("stale snipe update ignored")
		}
	}

	if !sn.State.Terminal() {
		return
	}

	s.persistRisk(ctx, sn.UserID)

	if s.alertsOn && slices.Contains(s.alertStates, string(sn.State)) {
		s.alert(ctx, sn, log)
	}
}

// PersistProfile stores a user's custom profile after an update.
func (s *Service) PersistProfile(ctx context.Context, userID string) error {
	if s.deps.Risks == nil || s.deps.Ledger == nil {
		return nil
	}
	return s.deps.Risks.UpsertRiskProfile(ctx, userID, s.deps.Ledger.Profile(userID))
}

// Rollover zeroes every user's daily counters. Only the advisory lock holder runs it.
func (s *Service) Rollover(ctx context.Context, window time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("window", window).Msg("skip rollover because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	users := 0
	if s.deps.Ledger != nil {
		users = s.deps.Ledger.ResetAllDaily()
	}
	if s.deps.Risks != nil {
		if _, err := s.deps.Risks.ResetDailyMetrics(ctx); err != nil {
			return fmt.Errorf("reset persisted metrics: %w", err)
		}
	}

	s.logger.Info().Time("window", window).Int("users", users).Msg("daily risk counters reset")
	return nil
}

// ScanOpportunities refreshes the latest mempool opportunity snapshot.
func (s *Service) ScanOpportunities(ctx context.Context, window time.Time) error {
	opps, err := s.deps.Finder.FindOpportunities(ctx)
	if err != nil {
		return fmt.Errorf("find opportunities: %w", err)
	}

	s.mu.Lock()
	s.opportunities = opps
	s.scannedAt = window
	s.mu.Unlock()

	event := s.logger.Info().Int("count", len(opps))
	if len(opps) > 0 {
		event = event.Str("top_tx", opps[0].TxHash.Hex()).Str("top_value", opps[0].Value.String())
	}
	event.Msg("opportunity scan complete")
	return nil
}

// Opportunities returns the latest scan result and when it ran.
func (s *Service) Opportunities() ([]gas.Opportunity, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.opportunities), s.scannedAt
}

func (s *Service) persistRisk(ctx context.Context, userID string) {
	if s.deps.Risks == nil || s.deps.Ledger == nil {
		return
	}
	if err := s.deps.Risks.UpsertRiskMetrics(ctx, userID, s.deps.Ledger.Metrics(userID)); err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("failed to persist risk metrics")
	}
}

func (s *Service) alert(ctx context.Context, sn snipe.Snipe, log zerolog.Logger) {
	if s.deps.Alerts != nil {
		record := storage.AlertRecord{
			SnipeID:  sn.ID,
			State:    string(sn.State),
			Channels: s.channels,
		}
		_, inserted, err := s.deps.Alerts.InsertAlert(ctx, record)
		if err != nil {
			log.Error().Err(err).Msg("failed to persist alert record")
		} else if !inserted {
			log.Debug().Msg("snipe already alerted")
			return
		}
	}

	note := alerting.Notification{
		SnipeID:  sn.ID,
		UserID:   sn.UserID,
		State:    string(sn.State),
		Target:   sn.Request.Target,
		Token:    sn.Request.Token,
		Amount:   sn.Request.Amount,
		GasPrice: sn.GasPrice,
		TxHash:   sn.TxHash,
		Reason:   sn.Reason,
		At:       sn.UpdatedAt,
		Channels: s.channels,
	}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		log.Error().Err(err).Msg("failed to dispatch alert")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

var _ snipe.Observer = (*Service)(nil)

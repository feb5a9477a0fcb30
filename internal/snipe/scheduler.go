// Package snipe schedules risk-gated purchases and fires each one exactly once.
//
// A snipe is admitted through the risk gate, held on a single-shot timer until
// its trigger time, then quoted, simulated and submitted. Cancellation and the
// timer race on the same entry; whichever claims it first under the scheduler
// lock proceeds and the other observes ErrSnipeNotFound.
package snipe

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"snipr/internal/chain"
	"snipr/internal/gas"
	"snipr/internal/risk"
)

// DefaultGasLimit caps the gas of every snipe transaction.
const DefaultGasLimit uint64 = 300000

// RiskGate is the admission side of the risk gate.
type RiskGate interface {
	Admit(userID string, amount, gasPriceGwei decimal.Decimal) risk.Decision
	Release(userID string)
	RecordOutcome(userID string, outcome risk.Outcome) risk.Metrics
}

// GasOracle quotes gas prices and simulates transactions.
type GasOracle interface {
	ComputeOptimalGasPrice(ctx context.Context) (gas.Quote, error)
	Simulate(ctx context.Context, tx chain.Transaction) bool
	FallbackPrice() decimal.Decimal
}

// Submitter signs and broadcasts on behalf of a user.
type Submitter interface {
	SignAndSend(ctx context.Context, userID string, tx chain.Transaction) (common.Hash, error)
	IsConnected(userID string) bool
	Address(userID string) (common.Address, bool)
}

// Observer is told about every state transition. Calls happen outside the
// scheduler lock and may arrive out of order; use Snipe.Version to order them.
type Observer interface {
	SnipeUpdated(ctx context.Context, s Snipe)
}

// Options tune the scheduler.
type Options struct {
	GasLimit uint64
	// ProvisionalGasPrice (gwei) is used for admission; zero uses the oracle fallback.
	ProvisionalGasPrice decimal.Decimal
	Observer            Observer
	Now                 func() time.Time
}

type entry struct {
	snipe Snipe
	timer *time.Timer
}

// Scheduler owns every active snipe.
type Scheduler struct {
	gate      RiskGate
	oracle    GasOracle
	submitter Submitter
	opts      Options
	logger    zerolog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]*entry
	closed bool
}

// New constructs a scheduler.
func New(gate RiskGate, oracle GasOracle, submitter Submitter, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.GasLimit == 0 {
		opts.GasLimit = DefaultGasLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		gate:      gate,
		oracle:    oracle,
		submitter: submitter,
		opts:      opts,
		logger:    logger.With().Str("component", "snipe_scheduler").Logger(),
		baseCtx:   ctx,
		stop:      cancel,
		active:    make(map[string]*entry),
	}
}

// Schedule admits req for userID and arms it. When the trigger time has
// already passed the snipe executes before Schedule returns, and the
// execution error, if any, is returned together with the id. An execution
// that has started is not interrupted by ctx.
func (s *Scheduler) Schedule(ctx context.Context, userID string, req Request) (string, error) {
	return s.schedule(ctx, uuid.New().String(), userID, req)
}

// ScheduleWithID is Schedule for callers that allocate the snipe id themselves,
// such as queued requests whose id the submitter already knows.
func (s *Scheduler) ScheduleWithID(ctx context.Context, id, userID string, req Request) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", &Error{Op: "schedule", ID: id, Kind: ErrInvalidRequest, Reason: "snipe id must be a uuid"}
	}
	return s.schedule(ctx, id, userID, req)
}

func (s *Scheduler) schedule(ctx context.Context, id, userID string, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", &Error{Op: "schedule", Kind: ErrInvalidRequest, Reason: err.Error()}
	}

	s.mu.Lock()
	_, dup := s.active[id]
	s.mu.Unlock()
	if dup {
		return "", &Error{Op: "schedule", ID: id, Kind: ErrInvalidRequest, Reason: "duplicate snipe id"}
	}

	provisional := s.provisionalGasPrice()
	decision := s.gate.Admit(userID, req.Amount, provisional)
	if !decision.Allowed {
		return "", &Error{Op: "schedule", Kind: ErrRiskLimitExceeded, Reason: decision.Reason}
	}

	now := s.opts.Now()
	sn := Snipe{
		ID:        id,
		UserID:    userID,
		Request:   req,
		State:     StatePending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.gate.Release(userID)
		return "", &Error{Op: "schedule", Kind: ErrSchedulerClosed}
	}
	if _, ok := s.active[id]; ok {
		s.mu.Unlock()
		s.gate.Release(userID)
		return "", &Error{Op: "schedule", ID: id, Kind: ErrInvalidRequest, Reason: "duplicate snipe id"}
	}
	s.active[sn.ID] = &entry{snipe: sn}
	s.mu.Unlock()

	s.notify(ctx, sn)

	delay := req.TriggerAt.Sub(now)
	if delay <= 0 {
		s.logger.Info().Str("snipe", sn.ID).Str("user", userID).Msg("trigger time passed, executing immediately")
		return sn.ID, s.executeNow(ctx, sn.ID)
	}

	armed, ok := s.arm(sn.ID, delay)
	if ok {
		s.notify(ctx, armed)
		s.logger.Info().Str("snipe", sn.ID).
			Str("user", userID).
			Time("trigger_at", req.TriggerAt).
			Dur("delay", delay).
			Msg("snipe armed")
	}
	return sn.ID, nil
}

// executeNow runs an immediate snipe on the caller's goroutine. The execution
// is detached from ctx cancellation and counted as in flight for Close.
func (s *Scheduler) executeNow(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &Error{Op: "execute", ID: id, Kind: ErrSchedulerClosed}
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	_, err := s.execute(context.WithoutCancel(ctx), id)
	return err
}

// Cancel removes a pending or armed snipe. It returns false when the snipe is
// unknown, already executing or finished.
func (s *Scheduler) Cancel(ctx context.Context, id string) bool {
	s.mu.Lock()
	e, ok := s.active[id]
	if !ok || !e.snipe.State.Cancellable() {
		s.mu.Unlock()
		return false
	}
	delete(s.active, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	sn := s.transition(e, StateCancelled)
	s.mu.Unlock()

	s.gate.Release(sn.UserID)
	s.notify(ctx, sn)
	s.logger.Info().Str("snipe", id).Str("user", sn.UserID).Msg("snipe cancelled")
	return true
}

// Get returns a snapshot of an active snipe.
func (s *Scheduler) Get(id string) (Snipe, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.active[id]
	if !ok {
		return Snipe{}, false
	}
	return e.snipe, true
}

// Active returns snapshots of all pending, armed and executing snipes,
// oldest first.
func (s *Scheduler) Active() []Snipe {
	return s.snapshot(func(Snipe) bool { return true })
}

// ActiveForUser is Active restricted to one user.
func (s *Scheduler) ActiveForUser(userID string) []Snipe {
	return s.snapshot(func(sn Snipe) bool { return sn.UserID == userID })
}

// EstimateCost returns amount plus the gas ceiling at the current quote, in native units.
func (s *Scheduler) EstimateCost(ctx context.Context, req Request) (decimal.Decimal, error) {
	quote, err := s.oracle.ComputeOptimalGasPrice(ctx)
	if err != nil {
		return decimal.Decimal{}, &Error{Op: "estimate", Kind: ErrEstimationFailed, Reason: err.Error(), Err: err}
	}

	gasCost := new(big.Int).Mul(quote.Price, new(big.Int).SetUint64(s.opts.GasLimit))
	return req.Amount.Add(decimal.NewFromBigInt(gasCost, -18)), nil
}

// Close cancels every pending and armed snipe and waits for in-flight
// executions to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	var cancelled []Snipe
	for id, e := range s.active {
		if !e.snipe.State.Cancellable() {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.active, id)
		cancelled = append(cancelled, s.transition(e, StateCancelled))
	}
	s.mu.Unlock()

	for _, sn := range cancelled {
		s.gate.Release(sn.UserID)
		s.notify(context.Background(), sn)
	}

	s.wg.Wait()
	s.stop()
	s.logger.Info().Int("cancelled", len(cancelled)).Msg("scheduler closed")
}

func (s *Scheduler) arm(id string, delay time.Duration) (Snipe, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.active[id]
	if !ok || e.snipe.State != StatePending {
		return Snipe{}, false
	}
	sn := s.transition(e, StateArmed)
	e.timer = time.AfterFunc(delay, func() { s.fire(id) })
	return sn, true
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	_, err := s.execute(s.baseCtx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrSnipeNotFound):
		s.logger.Debug().Str("snipe", id).Msg("timer fired for a snipe that is no longer armed")
	default:
		s.logger.Warn().Str("snipe", id).Str("reason", Reason(err)).Msg("snipe failed")
	}
}

// execute runs a claimed snipe to a terminal state. It never retries.
func (s *Scheduler) execute(ctx context.Context, id string) (hash common.Hash, err error) {
	sn, ok := s.claim(id)
	if !ok {
		return common.Hash{}, &Error{Op: "execute", ID: id, Kind: ErrSnipeNotFound}
	}
	s.notify(ctx, sn)

	// recorded is set once RecordOutcome consumed the reservation.
	var recorded, finished bool
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.logger.Error().Str("snipe", id).Interface("panic", r).Msg("snipe execution panicked")

		submitted := sn.TxHash != (common.Hash{})
		switch {
		case recorded:
		case submitted:
			s.gate.RecordOutcome(sn.UserID, risk.Outcome{Success: true})
		default:
			s.gate.Release(sn.UserID)
		}

		if submitted {
			if !finished {
				s.finish(ctx, sn, StateCompleted)
			}
			hash, err = sn.TxHash, nil
			return
		}
		if !finished {
			err = s.fail(ctx, sn, &Error{Op: "execute", ID: id, Kind: ErrSubmissionFailed, Reason: "internal error"})
		}
	}()

	if !s.submitter.IsConnected(sn.UserID) {
		s.gate.Release(sn.UserID)
		finished = true
		return common.Hash{}, s.fail(ctx, sn, &Error{Op: "execute", ID: id, Kind: ErrWalletNotConnected})
	}

	quote, err := s.oracle.ComputeOptimalGasPrice(ctx)
	if err != nil {
		s.gate.Release(sn.UserID)
		finished = true
		return common.Hash{}, s.fail(ctx, sn, &Error{Op: "execute", ID: id, Kind: ErrEstimationFailed, Reason: err.Error(), Err: err})
	}
	sn.GasPrice = quote.Gwei()

	if limit := sn.Request.MaxGasPrice; limit.IsPositive() && sn.GasPrice.GreaterThan(limit) {
		s.gate.Release(sn.UserID)
		finished = true
		return common.Hash{}, s.fail(ctx, sn, &Error{
			Op:     "execute",
			ID:     id,
			Kind:   ErrGasPriceTooHigh,
			Reason: fmt.Sprintf("quoted %s gwei exceeds %s gwei", sn.GasPrice.String(), limit.String()),
		})
	}

	from, _ := s.submitter.Address(sn.UserID)
	tx := chain.Transaction{
		From:     from,
		To:       sn.Request.Target,
		Value:    sn.Request.AmountWei(),
		GasPrice: quote.Price,
		GasLimit: s.opts.GasLimit,
	}

	if !s.oracle.Simulate(ctx, tx) {
		s.gate.Release(sn.UserID)
		finished = true
		return common.Hash{}, s.fail(ctx, sn, &Error{Op: "execute", ID: id, Kind: ErrSimulationFailed})
	}

	hash, err = s.submitter.SignAndSend(ctx, sn.UserID, tx)
	if err != nil {
		kind := ErrSubmissionFailed
		if !s.submitter.IsConnected(sn.UserID) {
			kind = ErrWalletNotConnected
		}
		s.gate.RecordOutcome(sn.UserID, risk.Outcome{Success: false})
		recorded = true
		finished = true
		return common.Hash{}, s.fail(ctx, sn, &Error{Op: "execute", ID: id, Kind: kind, Reason: err.Error(), Err: err})
	}

	sn.TxHash = hash
	s.gate.RecordOutcome(sn.UserID, risk.Outcome{Success: true})
	recorded = true
	finished = true
	s.finish(ctx, sn, StateCompleted)

	s.logger.Info().Str("snipe", id).
		Str("user", sn.UserID).
		Str("tx_hash", hash.Hex()).
		Str("gas_price_gwei", sn.GasPrice.String()).
		Bool("fallback_gas", quote.Fallback).
		Msg("snipe submitted")
	return hash, nil
}

// claim atomically moves a pending or armed snipe to executing.
func (s *Scheduler) claim(id string) (Snipe, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.active[id]
	if !ok || !e.snipe.State.Cancellable() {
		return Snipe{}, false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	return s.transition(e, StateExecuting), true
}

func (s *Scheduler) fail(ctx context.Context, sn Snipe, err *Error) error {
	sn.Reason = Reason(err)
	s.finish(ctx, sn, StateFailed)
	return err
}

// finish removes the snipe and publishes its terminal state.
func (s *Scheduler) finish(ctx context.Context, sn Snipe, state State) {
	s.mu.Lock()
	delete(s.active, sn.ID)
	s.mu.Unlock()

	sn.State = state
	sn.Version++
	sn.UpdatedAt = s.opts.Now()
	s.notify(ctx, sn)
}

// transition must be called with s.mu held.
func (s *Scheduler) transition(e *entry, state State) Snipe {
	e.snipe.State = state
	e.snipe.Version++
	e.snipe.UpdatedAt = s.opts.Now()
	return e.snipe
}

func (s *Scheduler) snapshot(keep func(Snipe) bool) []Snipe {
	s.mu.Lock()
	out := make([]Snipe, 0, len(s.active))
	for _, e := range s.active {
		if keep(e.snipe) {
			out = append(out, e.snipe)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Scheduler) provisionalGasPrice() decimal.Decimal {
	if s.opts.ProvisionalGasPrice.IsPositive() {
		return s.opts.ProvisionalGasPrice
	}
	return s.oracle.FallbackPrice()
}

// notify delivers sn to the observer. An observer panic is logged and
// contained so it never changes the snipe's outcome.
func (s *Scheduler) notify(ctx context.Context, sn Snipe) {
	if s.opts.Observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("snipe", sn.ID).
				Str("state", string(sn.State)).
				Interface("panic", r).
				Msg("snipe observer panicked")
		}
	}()
	s.opts.Observer.SnipeUpdated(ctx, sn)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"snipr/internal/alerting"
	"snipr/internal/chain"
	"snipr/internal/config"
	"snipr/internal/gas"
	"snipr/internal/logging"
	"snipr/internal/risk"
	"snipr/internal/scheduler"
	"snipr/internal/service"
	"snipr/internal/snipe"
	"snipr/internal/storage"
	"snipr/internal/wallet"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

// runtime is the wired object graph shared by the commands.
type runtime struct {
	chain     *chain.Client
	wallets   *wallet.Manager
	gate      *risk.Gate
	oracle    *gas.Oracle
	service   *service.Service
	scheduler *snipe.Scheduler
	store     *storage.Store
	waiter    *terminalWaiter
}

func (r *runtime) Close() {
	if r.scheduler != nil {
		r.scheduler.Close()
	}
	if r.chain != nil {
		r.chain.Close()
	}
	if r.store != nil {
		r.store.Close()
	}
}

func (a *App) newChainClient() *chain.Client {
	return chain.NewClient(chain.Options{
		RPCURL:  a.Config.Ethereum.RPCURL,
		ChainID: a.Config.Ethereum.ChainID,
		Timeout: a.Config.Ethereum.RequestTimeout,
	}, a.Logger)
}

func (a *App) newOracle(reader chain.Reader) *gas.Oracle {
	fallback := gas.NoFallback()
	if a.Config.Gas.FallbackGwei > 0 {
		fallback = gas.FixedFallback(decimal.NewFromFloat(a.Config.Gas.FallbackGwei))
	}
	return gas.NewOracle(reader, gas.Options{
		PremiumPct:           a.Config.Gas.PremiumPct,
		EmptyFeeGwei:         decimal.NewFromFloat(a.Config.Gas.EmptyFeeGwei),
		Fallback:             fallback,
		OpportunityThreshold: decimal.NewFromFloat(a.Config.Gas.OpportunityThreshold),
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// connectWallets imports every configured key.
func (a *App) connectWallets(m *wallet.Manager) error {
	keys := make(map[string]string, len(a.Config.Wallet.Keys)+1)
	for user, key := range a.Config.Wallet.Keys {
		keys[user] = key
	}
	if a.Config.Wallet.PrivateKey != "" && a.Config.Wallet.DefaultUser != "" {
		if _, ok := keys[a.Config.Wallet.DefaultUser]; !ok {
			keys[a.Config.Wallet.DefaultUser] = a.Config.Wallet.PrivateKey
		}
	}

	users := make([]string, 0, len(keys))
	for user := range keys {
		users = append(users, user)
	}
	sort.Strings(users)

	for _, user := range users {
		if keys[user] == "" {
			continue
		}
		if _, err := m.Connect(user, keys[user]); err != nil {
			return fmt.Errorf("connect wallet for %s: %w", user, err)
		}
	}
	return nil
}

// build wires the full object graph. Persistence is optional: without a DSN the
// service runs in memory. Only Run hosts the scheduler for queued requests;
// other commands use the graph read-only or for a local snipe.
func (a *App) build(ctx context.Context) (*runtime, error) {
	store, _, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	rt := &runtime{store: store, chain: a.newChainClient()}
	rt.wallets = wallet.NewManager(rt.chain, a.Logger)
	if err := a.connectWallets(rt.wallets); err != nil {
		rt.Close()
		return nil, err
	}

	rt.gate = risk.NewGate(a.Logger, risk.WithDefaults(a.Config.Risk.Profile()))
	rt.oracle = a.newOracle(rt.chain)

	deps := service.Deps{
		Ledger:   rt.gate,
		Finder:   rt.oracle,
		Notifier: a.newNotifier(),
	}
	if store != nil {
		deps.Snipes = store
		deps.Risks = store
		deps.Alerts = store
		deps.Requests = store
	}
	deps.Rollover = scheduler.New(scheduler.Options{
		Name:         "daily_rollover",
		Interval:     a.Config.Scheduler.RolloverInterval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	deps.Scan = scheduler.New(scheduler.Options{
		Name:         "opportunity_scan",
		Interval:     a.Config.Scheduler.ScanInterval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   true,
	}, a.Logger)
	deps.Intake = scheduler.New(scheduler.Options{
		Name:       "snipe_intake",
		Interval:   a.Config.Scheduler.IntakeInterval,
		RunOnStart: true,
	}, a.Logger)
	rt.service = service.New(a.Config, deps, a.Logger)

	if err := rt.service.Hydrate(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	rt.waiter = newTerminalWaiter(rt.service)
	rt.scheduler = snipe.New(rt.gate, rt.oracle, rt.wallets, snipe.Options{
		GasLimit: a.Config.Gas.GasLimit,
		Observer: rt.waiter,
	}, a.Logger)
	rt.service.Bind(rt.scheduler)

	return rt, nil
}

// Run executes the long-running service: it hosts the snipe scheduler for
// queued requests and runs the maintenance loops.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}

	a.Logger.Info().Strs("users", rt.gate.Users()).Msg("starting snipe service")
	err = rt.service.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("snipe service stopped")
	return nil
}

// terminalWaiter forwards transitions to the next observer and lets callers
// block until a given snipe reaches a terminal state.
type terminalWaiter struct {
	next snipe.Observer
	done chan snipe.Snipe
}

func newTerminalWaiter(next snipe.Observer) *terminalWaiter {
	return &terminalWaiter{next: next, done: make(chan snipe.Snipe, 16)}
}

func (w *terminalWaiter) SnipeUpdated(ctx context.Context, sn snipe.Snipe) {
	if w.next != nil {
		w.next.SnipeUpdated(ctx, sn)
	}
	if sn.State.Terminal() {
		select {
		case w.done <- sn:
		default:
		}
	}
}

// Wait blocks until id is terminal or ctx ends.
func (w *terminalWaiter) Wait(ctx context.Context, id string) (snipe.Snipe, error) {
	for {
		select {
		case <-ctx.Done():
			return snipe.Snipe{}, ctx.Err()
		case sn := <-w.done:
			if sn.ID == id {
				return sn, nil
			}
		}
	}
}

// ExportOptions hold parameters for exporting snipe history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	Limit int
}

// SnipeOptions configure a one-shot snipe.
type SnipeOptions struct {
	UserID      string
	Target      string
	Token       string
	Amount      decimal.Decimal
	MaxGasPrice decimal.Decimal
	Slippage    decimal.Decimal
	At          time.Time
	Delay       time.Duration
}

// Migrate applies pending SQL migrations from database.migrations_path.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot migrate")
	}
	defer closeStore()

	applied, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	a.Logger.Info().Strs("applied", applied).Msg("migrations complete")
	return nil
}

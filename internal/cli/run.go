package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"options-risk-engine/internal/broker"
	"options-risk-engine/internal/config"
	"options-risk-engine/internal/logging"
	"options-risk-engine/internal/marketdata"
	"options-risk-engine/internal/metrics"
	"options-risk-engine/internal/models"
	"options-risk-engine/internal/orders"
	"options-risk-engine/internal/positions"
	"options-risk-engine/internal/resilience"
	"options-risk-engine/internal/risk"
	"options-risk-engine/internal/store"
	"options-risk-engine/internal/trading"
)

func newRunCmd(app *App) *cobra.Command {
	var paper bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Monitor positions and execute exits",
		Long: `Run the risk engine in the foreground until SIGINT or SIGTERM.

Active positions are restored from the database, evaluated on every cycle and
closed through the broker when an exit rule fires. In paper mode exits are
filled against the latest tick instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *app.Config
			if paper {
				cfg.Mode = "paper"
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := newDaemon(&cfg, app.Logger)
			if err != nil {
				return err
			}
			if app.Viper != nil {
				config.WatchRisk(app.Viper, d.risk, logging.WithComponent(app.Logger, "config"))
			}
			if err := d.start(ctx); err != nil {
				d.close()
				return err
			}

			<-ctx.Done()
			app.Logger.Info().Msg("Shutdown signal received")
			d.shutdown()
			return nil
		},
	}
	cmd.Flags().BoolVar(&paper, "paper", false, "fill exits locally instead of sending them to the broker")
	return cmd
}

// daemon is everything 'riskd run' wires together.
type daemon struct {
	cfg    *config.Config
	logger zerolog.Logger

	store    *store.SQLiteStore
	redis    *goredis.Client
	risk     *config.RiskStore
	cache    *positions.Cache
	ticks    *marketdata.TickCache
	feed     *marketdata.KiteFeed
	sessions *trading.SessionManager

	coord      *trading.ExitCoordinator
	manager    *trading.RiskManager
	reconciler *trading.Reconciler

	metrics *metrics.Metrics
	health  *resilience.HealthMonitor
	server  *http.Server

	stopDaily context.CancelFunc
}

func newDaemon(cfg *config.Config, logger zerolog.Logger) (_ *daemon, err error) {
	d := &daemon{
		cfg:    cfg,
		logger: logging.WithComponent(logger, "riskd"),
		risk:   config.NewRiskStore(cfg.Risk),
		cache:  positions.NewCache(logger),
		ticks:  marketdata.NewTickCache(),
		health: resilience.NewHealthMonitor(resilience.DefaultHealthMonitorConfig(), logger),
	}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if cfg.Metrics.Enabled {
		d.metrics = metrics.New()
	}

	if d.sessions, err = trading.NewSessionManager(cfg.Session); err != nil {
		return nil, err
	}

	if d.store, err = openPositionStore(cfg.Storage.Path); err != nil {
		return nil, err
	}
	d.health.RegisterComponent("sqlite", resilience.PingHealthCheck(d.store.Ping, 100*time.Millisecond))

	var tickView marketdata.LiveTickView = d.ticks
	var underlying marketdata.UnderlyingSource
	var redisTicks *marketdata.RedisTickStore
	if cfg.Redis.Enabled {
		if d.redis, err = orders.DialRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
			return nil, err
		}
		d.health.RegisterComponent("redis", resilience.PingHealthCheck(func(ctx context.Context) error {
			return d.redis.Ping(ctx).Err()
		}, 50*time.Millisecond))
		redisTicks = marketdata.NewRedisTickStore(d.redis, "riskd:", cfg.Redis.TickTTL, logger)
		tickView = marketdata.Layered{d.ticks, redisTicks}
		underlying = marketdata.NewRedisUnderlyingStore(d.redis, "riskd:", cfg.Redis.TickTTL, logger)
	}

	var keys orders.KeyStore = orders.NewMemoryKeyStore()
	if cfg.Idempotency.Backend == "redis" {
		keys = orders.NewRedisKeyStore(d.redis, cfg.Idempotency.KeyPrefix)
	}
	guardOpts := []orders.GuardOption{
		orders.WithTTL(cfg.Idempotency.TTL),
		orders.WithMaxKeyLength(cfg.Idempotency.MaxKeyLength),
	}
	if d.metrics != nil {
		guardOpts = append(guardOpts, orders.WithFailOpenObserver(d.metrics))
	}
	guard := orders.NewGuard(keys, logger, guardOpts...)

	placer, checker := d.newBroker(tickView, logger)

	coordCfg := trading.CoordinatorConfig{BrokerTimeout: cfg.Broker.ExitTimeout}
	if d.metrics != nil {
		coordCfg.Observer = d.metrics
	}
	d.coord = trading.NewExitCoordinator(d.cache, d.store, placer, guard, coordCfg, logger)

	engine := risk.NewDefaultEngine(logger)
	deps := trading.RiskManagerDeps{
		Cache:      d.cache,
		Engine:     engine,
		Exiter:     d.coord,
		Session:    d.sessions,
		Risk:       d.risk,
		Ticks:      tickView,
		Underlying: underlying,
		PnL:        d.store,
	}
	if d.metrics != nil {
		engine.SetObserver(d.metrics)
		deps.Observer = d.metrics
	}
	d.manager = trading.NewRiskManager(deps, cfg.Loop, logger)

	if cfg.Broker.APIKey != "" && cfg.Broker.AccessToken != "" {
		sinks := marketdata.Sinks{d.ticks, marketdata.NewTickRouter(d.cache, d.manager.Wake, logger)}
		if redisTicks != nil {
			sinks = append(sinks, redisTicks)
		}
		d.feed = marketdata.NewKiteFeed(marketdata.KiteFeedConfig{
			APIKey:      cfg.Broker.APIKey,
			AccessToken: cfg.Broker.AccessToken,
		}, d.metrics.CountTicks(sinks), logger)
		d.health.RegisterComponent("tick_feed", resilience.FeedHealthCheck(d.feed.IsConnected, d.feed.LastTickAt, 2*time.Minute))
	}

	d.reconciler = trading.NewReconciler(d.coord, checker, trading.ReconcilerConfig{
		Interval: cfg.Loop.ReconcileInterval,
		OnAdopt:  d.subscribe,
	}, logger)

	if d.metrics != nil {
		d.metrics.GaugeFunc("active_positions", "Positions being monitored", func() float64 {
			return float64(d.cache.ActiveCount())
		})
		d.metrics.GaugeFunc("realized_pnl_rupees", "Realized P&L of exits since the session opened", func() float64 {
			return d.coord.DailyPnL().InexactFloat64()
		})
	}
	if cfg.Metrics.Addr != "" {
		d.server = metrics.NewServer(cfg.Metrics.Addr, d.metrics, d.health)
	}
	return d, nil
}

// newBroker returns the exit placer and the status checker used to
// reconcile its exits.
func (d *daemon) newBroker(prices marketdata.LiveTickView, logger zerolog.Logger) (broker.ExitPlacer, broker.OrderStatusChecker) {
	if d.cfg.IsPaperMode() {
		d.logger.Warn().Msg("Paper mode: exits are filled locally, nothing reaches the exchange")
		pb := broker.NewPaperBroker(broker.PaperBrokerConfig{Prices: prices})
		return pb, pb
	}
	kc := broker.KiteConfig{
		APIKey:          d.cfg.Broker.APIKey,
		AccessToken:     d.cfg.Broker.AccessToken,
		Product:         d.cfg.Broker.Product,
		RetryAttempts:   d.cfg.Broker.RetryAttempts,
		BreakerFailures: d.cfg.Broker.BreakerFailures,
		BreakerTimeout:  d.cfg.Broker.BreakerTimeout,
	}
	if d.metrics != nil {
		kc.OnBreakerChange = d.metrics.ObserveBreaker
	}
	kb := broker.NewKiteBroker(kc, logger)
	d.health.RegisterComponent("broker", resilience.BreakerHealthCheck(kb.Breaker()))
	return kb, kb
}

// start restores positions and starts every background component.
func (d *daemon) start(ctx context.Context) error {
	n, err := positions.Rebuild(ctx, d.store, d.cache)
	if err != nil {
		return err
	}
	d.logger.Info().Int("positions", n).Str("mode", d.cfg.Mode).Msg("Restored active positions")

	// A failed first pass is retried by the reconciler loop.
	if stats, err := d.reconciler.Reconcile(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Startup reconciliation failed")
	} else if stats.Checked > 0 {
		d.logger.Info().Int("checked", stats.Checked).Int("confirmed", stats.Confirmed).Int("reopened", stats.Reopened).Msg("Settled exits left open by the last run")
	}

	if d.feed != nil {
		if err := d.feed.Connect(ctx); err != nil {
			return fmt.Errorf("connecting tick feed: %w", err)
		}
		for pos := range d.cache.EachActive() {
			d.subscribeKey(pos.Key())
		}
	}

	if d.server != nil {
		go func() {
			d.logger.Info().Str("addr", d.server.Addr).Msg("Metrics server listening")
			if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	d.health.Start(ctx)
	d.reconciler.Start(ctx)
	if err := d.manager.Start(ctx); err != nil {
		return err
	}

	dailyCtx, cancel := context.WithCancel(ctx)
	d.stopDaily = cancel
	go d.resetDailyAtOpen(dailyCtx)
	return nil
}

// resetDailyAtOpen clears the realized P&L counter when each session opens.
func (d *daemon) resetDailyAtOpen(ctx context.Context) {
	for {
		next := d.sessions.NextTradingDay(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			d.logger.Info().Str("realized_pnl", d.coord.DailyPnL().String()).Int64("exits", d.coord.ExitCount()).Msg("New session, resetting daily P&L")
			d.coord.ResetDaily()
		}
	}
}

func (d *daemon) subscribe(rec *models.PositionRecord) {
	d.subscribeKey(rec.Key())
}

// subscribeKey streams ticks for key. Kite identifies option contracts by
// instrument token, which is what security_id holds.
func (d *daemon) subscribeKey(key models.PositionKey) {
	if d.feed == nil {
		return
	}
	token, err := strconv.ParseUint(key.SecurityID, 10, 32)
	if err != nil {
		d.logger.Warn().Str("security_id", key.SecurityID).Msg("Security id is not an instrument token, no live ticks")
		return
	}
	d.feed.Register(uint32(token), key)
	if err := d.feed.Subscribe(uint32(token)); err != nil {
		d.logger.Warn().Err(err).Str("security_id", key.SecurityID).Msg("Tick subscription failed")
	}
}

// shutdown stops the loop first so in-flight exits finish, then everything
// else.
func (d *daemon) shutdown() {
	d.manager.Stop()
	d.reconciler.Stop()
	if d.stopDaily != nil {
		d.stopDaily()
	}
	d.health.Stop()
	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.server.Shutdown(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Metrics server shutdown")
		}
	}
	d.close()
	d.logger.Info().
		Str("realized_pnl", d.coord.DailyPnL().String()).
		Int64("exits", d.coord.ExitCount()).
		Msg("Risk engine stopped")
}

func (d *daemon) close() {
	if d.feed != nil {
		d.feed.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}

// Package app wires the ledger, the terminal sync scheduler, the fingerprint reader and the HTTP
// surface together and manages their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/fragotesac/frazkteco-devices/internal/capture"
	"github.com/fragotesac/frazkteco-devices/internal/config"
	"github.com/fragotesac/frazkteco-devices/internal/guard"
	"github.com/fragotesac/frazkteco-devices/internal/mqttbroker"
	"github.com/fragotesac/frazkteco-devices/internal/notify"
	"github.com/fragotesac/frazkteco-devices/internal/reconcile"
	"github.com/fragotesac/frazkteco-devices/internal/store"
	"github.com/fragotesac/frazkteco-devices/internal/syncer"
	"github.com/fragotesac/frazkteco-devices/internal/terminal"
	"github.com/fragotesac/frazkteco-devices/internal/terminal/mqttgw"
	"github.com/fragotesac/frazkteco-devices/internal/terminal/zktcp"
	"github.com/fragotesac/frazkteco-devices/internal/uid"
)

// App wires together the ZKControl services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store    *store.Store
	broker   *mqttbroker.Broker
	mdns     *zeroconf.Server
	hub      *Hub
	gateways *gatewayTracker

	terminal *terminal.Manager
	rec      *reconcile.Reconciler
	sched    *syncer.Scheduler
	capture  *capture.Service
}

// deps are the hardware-facing capabilities. Production talks to the terminal over TCP (or through
// the MQTT gateway when configured) and to the reader through the vendor SDK.
type deps struct {
	dialer terminal.Dialer
	reader capture.Reader
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:      cfg,
		logger:   logger,
		hub:      NewHub(logger),
		gateways: newGatewayTracker(cfg.GatewayTopic, logger),
	}
}

// Open opens the ledger and builds the sync and capture services without starting anything.
func (a *App) Open(ctx context.Context) error {
	reader, err := capture.LoadSDK()
	if err != nil {
		a.logger.Warn("fingerprint SDK unavailable, captures will store placeholder templates", "error", err)
		reader = nil
	}

	return a.open(ctx, deps{dialer: a.dialer(), reader: reader})
}

func (a *App) dialer() terminal.Dialer {
	if a.cfg.TerminalTransport == config.TransportGateway {
		a.logger.Info("terminal sessions relayed through mqtt gateway", "broker", a.cfg.MQTTBrokerURL)
		return mqttgw.NewDialer(mqttgw.Options{
			BrokerURL: a.cfg.MQTTBrokerURL,
			Topic:     a.cfg.GatewayTopic,
		}, a.logger)
	}
	return zktcp.NewDialer(zktcp.Options{}, a.logger)
}

func (a *App) open(ctx context.Context, d deps) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return err
	}
	a.store = db

	endpoint := terminal.Endpoint{
		Address:        a.cfg.TerminalAddress(),
		ConnectTimeout: a.cfg.TerminalConnectTimeout,
		RecvTimeout:    a.cfg.TerminalRecvTimeout,
	}
	a.terminal = terminal.NewManager(d.dialer, endpoint, a.cfg.TerminalDeadline, a.logger)

	uids := uid.New(db)
	a.rec = reconcile.New(db, uids, a.cfg.DeviceLabel, a.logger)

	opts := syncer.DefaultOptions()
	opts.Interval = a.cfg.SyncInterval
	opts.StartupDelay = a.cfg.SyncStartupDelay
	a.sched = syncer.New(a.terminal, a.rec, db, uids, opts, a.logger)
	a.sched.Subscribe(a.hub.SyncListener())

	copts := capture.DefaultOptions()
	copts.DefaultSamples = a.cfg.CaptureSamples
	copts.PollInterval = a.cfg.CapturePollInterval
	copts.SampleTimeout = a.cfg.CaptureSampleTimeout
	a.capture = capture.New(d.reader, copts, a.logger)
	a.capture.OnTransition(a.hub.CaptureObserver())

	return nil
}

// Close aborts any running capture, releases the fingerprint reader and closes the ledger.
func (a *App) Close() error {
	var errs []error
	if a.capture != nil {
		a.capture.Shutdown()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Scheduler exposes the sync scheduler for one-shot commands. Open must have succeeded.
func (a *App) Scheduler() *syncer.Scheduler {
	return a.sched
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Error("shutdown", "error", err)
		}
	}()

	notifier, err := notify.NewTelegram(a.cfg.TelegramBotToken, a.cfg.TelegramChatID, a.cfg.DeviceLabel, a.logger)
	if err != nil {
		return err
	}
	if notifier != nil {
		a.sched.Subscribe(notifier.Listener())
	}

	var brokerErrCh <-chan error
	switch {
	case a.cfg.TerminalTransport != config.TransportGateway:
		// Direct TCP sessions need no broker.
	case a.cfg.MQTTBindAddress != "":
		broker := mqttbroker.New(a.logger)
		broker.SetPublishHandler(a.gateways.handle)
		brokerErrCh, err = broker.Start(a.cfg.MQTTBindAddress)
		if err != nil {
			return err
		}
		a.broker = broker

		if err := a.startMDNS(listenPort(broker.Addr())); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	default:
		a.logger.Info("embedded mqtt broker disabled, using external broker", "url", a.cfg.MQTTBrokerURL)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	guard.Go(a.logger, "feed hub", func() { a.hub.Run(runCtx) })
	a.sched.Start(runCtx)

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			cancelRun()
			// Captures hold their handlers open; abort them before draining.
			a.capture.Shutdown()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")

			if a.broker != nil {
				if err := a.broker.Stop(); err != nil {
					return err
				}
				a.logger.Info("mqtt broker stopped")
			}
			return nil
		case err := <-httpErrCh:
			if err != nil {
				a.stopBroker()
				return err
			}
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				a.stopBroker()
				return err
			}
		}
	}
}

func (a *App) stopBroker() {
	if a.broker != nil {
		_ = a.broker.Stop()
	}
}

func listenPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

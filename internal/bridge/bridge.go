package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/matrix-bridges/matrix-rocketchat/internal/config"
	"github.com/matrix-bridges/matrix-rocketchat/internal/database"
	"github.com/matrix-bridges/matrix-rocketchat/internal/matrix"
	"github.com/matrix-bridges/matrix-rocketchat/internal/rocketchat"
)

// Bridge is the main entry point that ties all components together.
type Bridge struct {
	Config *config.Config
	DB     *database.Database
	Log    *slog.Logger

	Services   *Services
	Dispatcher *EventDispatcher
	ASHandler  *ASHandler

	httpServer *http.Server
	mu         sync.Mutex
	running    bool
}

// New creates a new Bridge instance from the given configuration.
func New(cfg *config.Config, log *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		Config: cfg,
		Log:    log,
	}

	db, err := database.New(cfg.Database.Type, cfg.Database.URI, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	b.DB = db

	return b, nil
}

// Start initializes all components and starts the HTTP server.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("bridge is already running")
	}

	b.Log.Info("starting matrix-rocketchat bridge")

	if err := b.DB.RunMigrations(ctx); err != nil {
		return fmt.Errorf("run database migrations: %w", err)
	}
	b.Log.Info("database migrations complete")

	matrixClient := matrix.NewHTTPClient(
		b.Config.Homeserver.Address,
		b.Config.AppService.ASToken,
		b.Config.BotUserID(),
		b.Config.HTTPTimeout(),
		b.Log.With("component", "matrix_client"),
	)

	rooms := NewRoomModel(
		b.Config.AppService.SenderLocalpart,
		b.Config.Homeserver.Domain,
		b.Config.BotUserID(),
		matrixClient,
	)
	virtualUsers := NewVirtualUserRegistry(
		b.Log.With("component", "virtual_users"), matrixClient, rooms)

	var typing *TypingRelay
	if b.Config.Bridge.Realtime.Enabled {
		typing = NewTypingRelay(
			b.Log.With("component", "typing_relay"), matrixClient, rooms, b.DB)
	}

	timeout := b.Config.HTTPTimeout()
	clientLog := b.Log.With("component", "rocketchat_client")
	b.Services = &Services{
		Config: b.Config,
		Log:    b.Log,
		DB:     b.DB,
		Matrix: matrixClient,
		Rocketchat: func(ctx context.Context, baseURL string) (rocketchat.API, error) {
			return rocketchat.NewClient(ctx, baseURL, timeout, clientLog)
		},
		Rooms:        rooms,
		VirtualUsers: virtualUsers,
		Typing:       typing,
	}

	commands := NewCommandHandler(b.Services)
	b.Dispatcher = NewEventDispatcher(b.Services,
		NewRoomHandler(b.Services, commands),
		NewMessageHandler(b.Services, commands))
	b.ASHandler = NewASHandler(b.Services, b.Dispatcher, NewWebhookHandler(b.Services))

	listenAddr := fmt.Sprintf("%s:%d", b.Config.AppService.Hostname, b.Config.AppService.Port)
	b.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      b.ASHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		b.Log.Info("AS HTTP server listening", "addr", listenAddr)
		if err := b.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.Log.Error("HTTP server error", "error", err)
		}
	}()

	b.running = true
	b.Log.Info("matrix-rocketchat bridge started successfully")

	return nil
}

// Stop gracefully shuts down all bridge components.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}

	b.Log.Info("stopping matrix-rocketchat bridge")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if b.httpServer != nil {
		if err := b.httpServer.Shutdown(shutdownCtx); err != nil {
			b.Log.Error("HTTP server shutdown error", "error", err)
		}
	}

	if b.Services != nil && b.Services.Typing != nil {
		b.Services.Typing.Stop()
	}

	if b.DB != nil {
		if err := b.DB.Close(); err != nil {
			b.Log.Error("database close error", "error", err)
		}
	}

	b.running = false
	b.Log.Info("matrix-rocketchat bridge stopped")

	return nil
}

// Run starts the bridge and blocks until a shutdown signal is received.
func (b *Bridge) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	b.Log.Info("received shutdown signal", "signal", sig)

	return b.Stop()
}

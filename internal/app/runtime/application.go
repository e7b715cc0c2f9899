// Package runtime wires the gateway node: storage, the sandbox ledger, the
// gateway contract, event observation and the HTTP API.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/R3E-Network/contract_gateway/internal/app/httpapi"
	"github.com/R3E-Network/contract_gateway/internal/app/observer"
	"github.com/R3E-Network/contract_gateway/internal/app/storage"
	"github.com/R3E-Network/contract_gateway/internal/app/storage/memory"
	"github.com/R3E-Network/contract_gateway/internal/app/storage/postgres"
	"github.com/R3E-Network/contract_gateway/internal/app/storage/redis"
	"github.com/R3E-Network/contract_gateway/internal/config"
	"github.com/R3E-Network/contract_gateway/internal/engine/events"
	"github.com/R3E-Network/contract_gateway/internal/middleware"
	"github.com/R3E-Network/contract_gateway/internal/platform/migrations"
	"github.com/R3E-Network/contract_gateway/pkg/logger"
	"github.com/R3E-Network/contract_gateway/platform/contracts/gateway"
	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	sandbox "github.com/R3E-Network/contract_gateway/platform/runtime"
	"github.com/gorilla/mux"
)

const (
	gatewayContractName = "gateway"
	tokenContractName   = "fungible_token"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg      *config.Config
	log      *logger.Logger
	store    storage.Store
	closer   io.Closer
	ledger   *sandbox.Ledger
	gateway  *gateway.Contract
	feed     *events.RingBuffer
	observer *observer.Observer
	limiter  *middleware.RateLimiter
	handler  http.Handler
	server   *http.Server
}

// NewApplication loads configuration from path and envFile and builds the node.
func NewApplication(ctx context.Context, path, envFile string) (*Application, error) {
	cfg, err := config.Load(path, envFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	return New(ctx, cfg, log)
}

// New builds the node from an already validated configuration.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("gateway-node")
	}

	store, closer, err := OpenStore(ctx, cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("configure store: %w", err)
	}

	app, err := build(ctx, cfg, log, store)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	app.closer = closer
	return app, nil
}

func build(ctx context.Context, cfg *config.Config, log *logger.Logger, store storage.Store) (*Application, error) {
	policy, err := gatewayPolicy(cfg.Gateway, log)
	if err != nil {
		return nil, err
	}
	byteCost := policy.StorageByteCost

	ledger := sandbox.NewLedger(sandbox.Config{
		StorageByteCost: byteCost,
		State:           store,
		Accounts:        store,
		Logger:          log.Named("ledger"),
	})
	restored, err := ledger.Restore(ctx)
	if err != nil {
		return nil, err
	}
	log.WithField("accounts", restored).Info("ledger restored")

	contract := gateway.New(policy)
	if err := seed(ctx, ledger, cfg, contract, log); err != nil {
		return nil, err
	}

	feed := events.NewRingBuffer(cfg.Server.EventBuffer)
	obs := observer.New(store, feed, log.Named("observer"), observer.Config{})
	obs.Attach(ledger)

	app := &Application{
		cfg:      cfg,
		log:      log,
		store:    store,
		ledger:   ledger,
		gateway:  contract,
		feed:     feed,
		observer: obs,
	}

	chain := []mux.MiddlewareFunc{
		middleware.NewTracingMiddleware(log.Named("http")).Handler,
		middleware.NewCORSMiddleware(cfg.Server.CORSOrigins).Handler,
	}
	if cfg.Server.RateLimit > 0 {
		app.limiter = middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst, log.Named("ratelimit"))
		chain = append(chain, app.limiter.Handler)
	}
	if cfg.Server.APIKey != "" {
		chain = append(chain, middleware.NewAPIKeyMiddleware(cfg.Server.APIKey, log.Named("auth"), []string{"/health"}).Handler)
	}

	app.handler = httpapi.NewHandler(httpapi.Options{
		Ledger:     ledger,
		Gateway:    types.AccountID(cfg.Gateway.AccountID),
		Events:     store,
		Feed:       feed,
		Logger:     log.Named("httpapi"),
		Middleware: chain,
	})
	app.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return app, nil
}

// OpenStore opens the configured backend. The closer is nil for the memory driver.
func OpenStore(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (storage.Store, io.Closer, error) {
	switch cfg.Driver {
	case "", config.DriverMemory:
		log.Info("using in-memory storage")
		return memory.New(), nil, nil
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.AutoMigrate {
			if err := migrations.Apply(ctx, store.DB()); err != nil {
				_ = store.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
			log.Info("postgres schema migrated")
		}
		return store, store, nil
	case config.DriverRedis:
		store, err := redis.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		log.WithField("addr", cfg.RedisAddr).Info("using redis storage")
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func gatewayPolicy(cfg config.GatewayConfig, log *logger.Logger) (gateway.Config, error) {
	policy := gateway.Config{
		MaintenanceNamespace: types.AccountID(cfg.MaintenanceNamespace),
		TrustedNamespace:     types.AccountID(cfg.TrustedNamespace),
		Logger:               log.Named("gateway"),
	}
	var err error
	if policy.StorageByteCost, err = config.Amount(cfg.StorageByteCost); err != nil {
		return policy, fmt.Errorf("gateway.storage_byte_cost: %w", err)
	}
	if policy.DeployOverhead, err = config.Amount(cfg.DeployOverhead); err != nil {
		return policy, fmt.Errorf("gateway.deploy_overhead: %w", err)
	}
	if policy.FTStorageDeposit, err = config.Amount(cfg.FTStorageDeposit); err != nil {
		return policy, fmt.Errorf("gateway.ft_storage_deposit: %w", err)
	}
	if policy.StorageByteCost.IsZero() {
		policy.StorageByteCost = gateway.DefaultStorageByteCost
	}
	return policy, nil
}

// seed creates the configured accounts that do not exist yet and binds
// contracts. Contracts are not persisted, so they are bound on every start.
func seed(ctx context.Context, ledger *sandbox.Ledger, cfg *config.Config, contract *gateway.Contract, log *logger.Logger) error {
	gatewayID := types.AccountID(cfg.Gateway.AccountID)
	if err := ensureAccount(ctx, ledger, gatewayID, cfg.Gateway.Balance); err != nil {
		return err
	}
	if err := ledger.Deploy(ctx, gatewayID, gatewayContractName, contract); err != nil {
		return fmt.Errorf("deploy gateway: %w", err)
	}

	for _, g := range cfg.Genesis {
		if err := ensureAccount(ctx, ledger, types.AccountID(g.AccountID), g.Balance); err != nil {
			return err
		}
	}

	for _, t := range cfg.Tokens {
		id := types.AccountID(t.AccountID)
		if err := ensureAccount(ctx, ledger, id, t.Balance); err != nil {
			return err
		}
		supply, err := config.Amount(t.TotalSupply)
		if err != nil {
			return fmt.Errorf("token %s supply: %w", id, err)
		}
		token := sandbox.NewFungibleToken(types.AccountID(t.Owner), supply)
		if err := ledger.Deploy(ctx, id, tokenContractName, token); err != nil {
			return fmt.Errorf("deploy token %s: %w", id, err)
		}
		log.WithField("token", id).WithField("owner", t.Owner).Debug("token deployed")
	}
	return nil
}

func ensureAccount(ctx context.Context, ledger *sandbox.Ledger, id types.AccountID, balance string) error {
	amount, err := config.Amount(balance)
	if err != nil {
		return fmt.Errorf("account %s balance: %w", id, err)
	}
	if err := ledger.CreateAccount(ctx, id, amount); err != nil && !errors.Is(err, sandbox.ErrAccountExists) {
		return fmt.Errorf("create account %s: %w", id, err)
	}
	return nil
}

// Handler returns the HTTP API, middleware included.
func (a *Application) Handler() http.Handler { return a.handler }

// Ledger returns the sandbox ledger.
func (a *Application) Ledger() *sandbox.Ledger { return a.ledger }

// Gateway returns the bound gateway contract.
func (a *Application) Gateway() *gateway.Contract { return a.gateway }

// Feed returns the recent event buffer.
func (a *Application) Feed() events.Feed { return a.feed }

// Observer returns the receipt observer, e.g. to register event handlers.
func (a *Application) Observer() *observer.Observer { return a.observer }

// Run starts the HTTP server and blocks until the context is cancelled.
func (a *Application) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	if a.limiter != nil {
		a.limiter.StartCleanup(time.Minute, stop)
	}

	go func() {
		a.log.Infof("HTTP server listening on %s", a.cfg.Server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the HTTP server and closes the store.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if a.closer != nil {
		if err := a.closer.Close(); err != nil {
			a.log.WithError(err).Warn("error closing store")
		}
	}
	return nil
}

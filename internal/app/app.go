package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ConvoSphere/metamcp/internal/channel"
	"github.com/ConvoSphere/metamcp/internal/config"
	"github.com/ConvoSphere/metamcp/internal/discovery"
	"github.com/ConvoSphere/metamcp/internal/dispatch"
	"github.com/ConvoSphere/metamcp/internal/health"
	"github.com/ConvoSphere/metamcp/internal/oauth"
	"github.com/ConvoSphere/metamcp/internal/registry"
	"github.com/ConvoSphere/metamcp/internal/server"
	"github.com/ConvoSphere/metamcp/internal/tokenstore"
	"github.com/ConvoSphere/metamcp/pkg/logging"
)

// Run builds every subsystem from the configuration and supervises them
// until the context is cancelled. configPath is the configuration
// directory, used to resolve the backends directory.
func Run(ctx context.Context, cfg config.Config, configPath string) error {
	logging.Init(logging.ParseLevel(cfg.Logging.Level), os.Stderr)

	store, err := buildTokenStore(cfg.TokenStore)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := registry.New()
	defer reg.Close()

	manager := oauth.NewManager(cfg.OAuth.Providers, store, oauth.Options{
		InitiateRate:  rate.Limit(cfg.OAuth.InitiatePerMinute / 60.0),
		InitiateBurst: cfg.OAuth.InitiateBurst,
	})

	monitor := health.NewMonitor(reg, health.Options{
		ProbeInterval:    cfg.Health.ProbeInterval.Std(),
		ProbeTimeout:     cfg.Health.ProbeTimeout.Std(),
		GracePeriod:      cfg.Health.GracePeriod.Std(),
		FailureThreshold: cfg.Health.FailureThreshold,
	})

	balancer, err := dispatch.NewBalancer(cfg.Dispatch.Balancer)
	if err != nil {
		return err
	}
	router := dispatch.NewRouter(reg, manager, dispatch.Options{
		Deadline: cfg.Dispatch.Deadline.Std(),
		Balancer: balancer,
		Kicker:   monitor,
	})

	channelHandler := channel.NewHandler(manager, router)
	srv := server.New(cfg.Server.Address(), channelHandler, manager, reg, router, channelHandler)
	disc := discovery.New(reg, cfg.BackendsPath(configPath), cfg.Discovery.Sweep)

	logging.Info("App", "Starting meta-server on %s with %d OAuth providers", cfg.Server.Address(), len(cfg.OAuth.Providers))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return ignoreCanceled(monitor.Run(groupCtx)) })
	group.Go(func() error { return ignoreCanceled(disc.Run(groupCtx)) })
	group.Go(func() error { return ignoreCanceled(srv.Run(groupCtx)) })
	return group.Wait()
}

// buildTokenStore constructs the configured token store backend.
func buildTokenStore(cfg config.TokenStoreConfig) (tokenstore.Store, error) {
	switch cfg.Backend {
	case config.TokenStoreFile:
		masterKey := os.Getenv(cfg.MasterKeyEnv)
		if masterKey == "" {
			return nil, fmt.Errorf("token store master key environment variable %s is not set", cfg.MasterKeyEnv)
		}
		store, err := tokenstore.NewFileStore(cfg.Path, masterKey)
		if err != nil {
			return nil, fmt.Errorf("failed to open token store at %s: %w", cfg.Path, err)
		}
		logging.Info("App", "Using encrypted file token store at %s", cfg.Path)
		return store, nil
	default:
		logging.Info("App", "Using in-memory token store")
		return tokenstore.NewMemoryStore(), nil
	}
}

// ignoreCanceled turns a clean shutdown into a nil error.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

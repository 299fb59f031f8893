package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	agate "github.com/cascadelabs/agate/internal"
	"github.com/cascadelabs/agate/internal/app"
	"github.com/cascadelabs/agate/internal/cache"
	"github.com/cascadelabs/agate/internal/config"
	"github.com/cascadelabs/agate/internal/monitor"
	"github.com/cascadelabs/agate/internal/secrets"
	"github.com/cascadelabs/agate/internal/server"
	"github.com/cascadelabs/agate/internal/storage"
	"github.com/cascadelabs/agate/internal/storage/sqlite"
	"github.com/cascadelabs/agate/internal/telemetry"
	"github.com/cascadelabs/agate/internal/token"
	"github.com/cascadelabs/agate/internal/upstream/cloudcode"
	"github.com/cascadelabs/agate/internal/upstream/local"
	"github.com/cascadelabs/agate/internal/worker"
)

const masterKeyEnv = "AGATE_MASTER_KEY"

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := slog.Default()
	log.Info("starting agate", "version", version, "addr", cfg.Server.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dsn, err := cfg.ResolveDSN()
	if err != nil {
		return err
	}

	store, err := sqlite.New(ctx, dsn, masterKeySource(dsn))
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Init(ctx); err != nil {
		return err
	}

	// Upstream clients share one cached-DNS resolver and the optional
	// outbound proxy.
	resolver := &dnscache.Resolver{}
	var proxyURL *url.URL
	if cfg.Proxy.UpstreamProxy.Enabled {
		proxyURL, err = url.Parse(cfg.Proxy.UpstreamProxy.URL)
		if err != nil {
			return err
		}
	}
	cloud := cloudcode.New(cloudcode.Options{Resolver: resolver, ProxyURL: proxyURL})

	tokens := token.New(store, cloud, cloud, log)
	syncLocalAccounts(ctx, cfg, store, log)
	if err := tokens.Load(ctx); err != nil {
		return err
	}

	dialer := newLocalDialer()

	var cacheSvc *cache.Service
	if cfg.Cache.Enabled {
		cacheSvc, err = cache.New(store, cloud, cache.Options{
			Threshold:        cfg.Cache.Threshold,
			MaxMemoryEntries: cfg.Cache.MaxMemoryEntries,
			MemoryTTL:        cfg.Cache.MemoryTTL,
		}, log)
		if err != nil {
			return err
		}
	}

	proxySvc := app.NewProxyService(tokens, cloud, dialer.client, cacheSvc, log)

	var metrics *telemetry.Metrics
	var registry *prometheus.Registry
	if cfg.Telemetry.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(registry)
		proxySvc.SetMetrics(metrics)
	}

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	poller := monitor.New(store, tokens, cloud, &logNotifier{log: log, metrics: metrics}, log)

	workerErr := make(chan error, 1)
	go func() {
		workerErr <- worker.NewRunner(poller).Run(ctx)
	}()

	handler := server.New(server.Deps{
		Proxy:       proxySvc,
		Tokens:      tokens,
		Store:       store,
		Cache:       cacheSvc,
		Monitor:     poller,
		LocalModels: localModelLister(store),
		AuthToken:   cfg.Server.AuthToken,
		ReadyCheck:  store.Ping,
		Metrics:     metrics,
		Registry:    registry,
	})

	var boot server.Bootstrap
	serveErr := make(chan error, 1)
	if err := boot.Start(cfg.Server.Addr(), handler, serveErr); err != nil {
		return err
	}

	log.Info("agate ready", "addr", boot.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	cancel()
	<-workerErr

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := boot.Shutdown(shutdownCtx); err != nil {
		return err
	}

	log.Info("agate stopped")
	return nil
}

// masterKeySource prefers the env-provided key; otherwise a key file next
// to the database stands in for the OS keyring.
func masterKeySource(dsn string) secrets.KeySource {
	if os.Getenv(masterKeyEnv) != "" {
		return secrets.EnvSource(masterKeyEnv)
	}
	dir := filepath.Dir(config.DefaultDSN())
	if dsn != ":memory:" {
		dir = filepath.Dir(dsn)
	}
	return secrets.FileSource{Path: filepath.Join(dir, "agate.key")}
}

// syncLocalAccounts discovers models on the enabled local providers and
// upserts one account per model. Unreachable servers are skipped; they can
// be synced again on the next start.
func syncLocalAccounts(ctx context.Context, cfg *config.Config, store storage.AccountStore, log *slog.Logger) {
	providers := []struct {
		name string
		cfg  config.LocalProviderConfig
	}{
		{agate.ProviderLocalOllama, cfg.LocalAI.Ollama},
		{agate.ProviderLocalLMStudio, cfg.LocalAI.LMStudio},
	}

	for _, p := range providers {
		if !p.cfg.Enabled {
			continue
		}
		models, err := local.New(p.cfg.URL).ListModels(ctx)
		if err != nil {
			log.Warn("local provider unreachable, skipping sync", "provider", p.name, "error", err)
			continue
		}
		for _, model := range models {
			id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(p.name+"/"+model)).String()
			if _, err := store.Get(ctx, id); err == nil {
				continue // already synced; keep the user's model selection
			}
			acct := &agate.Account{
				ID:       id,
				Provider: p.name,
				Email:    p.name + "@local",
				Name:     model,
				Status:   agate.StatusActive,
				Token: &agate.Token{
					RefreshToken: p.cfg.URL, // local accounts carry the base URL here
					ProjectID:    model,     // and the model id here
				},
			}
			if err := store.Add(ctx, acct); err != nil {
				log.Warn("local account sync failed", "provider", p.name, "model", model, "error", err)
			}
		}
		log.Info("local provider synced", "provider", p.name, "models", len(models))
	}
}

// localModelLister returns the models of all local accounts currently in
// the store.
func localModelLister(store storage.AccountStore) server.LocalModels {
	return func(ctx context.Context) []string {
		accounts, err := store.List(ctx)
		if err != nil {
			return nil
		}
		var out []string
		for _, a := range accounts {
			if a.IsLocal() && a.Token != nil {
				out = append(out, a.Token.LocalModel())
			}
		}
		return out
	}
}

// localDialer caches one client per base URL.
type localDialer struct {
	mu      sync.Mutex
	clients map[string]*local.Client
}

func newLocalDialer() *localDialer {
	return &localDialer{clients: make(map[string]*local.Client)}
}

func (d *localDialer) client(baseURL string) app.LocalClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clients[baseURL]
	if !ok {
		c = local.New(baseURL)
		d.clients[baseURL] = c
	}
	return c
}

// logNotifier surfaces monitor notifications in the log and the switch
// counter. The desktop shell replaces this with a real toast.
type logNotifier struct {
	log     *slog.Logger
	metrics *telemetry.Metrics
}

func (n *logNotifier) Notify(_ context.Context, title, message string) {
	n.log.Info("notification", "title", title, "message", message)
	if n.metrics != nil {
		n.metrics.AccountSwitches.Inc()
	}
}

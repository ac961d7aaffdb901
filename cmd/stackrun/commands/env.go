package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stackrun/stackrun/pkg/actions"
	"github.com/stackrun/stackrun/pkg/config"
	"github.com/stackrun/stackrun/pkg/engine"
	"github.com/stackrun/stackrun/pkg/hooks"
	"github.com/stackrun/stackrun/pkg/policy"
	"github.com/stackrun/stackrun/pkg/providers/cloudformation"
	"github.com/stackrun/stackrun/pkg/providers/local"
	"github.com/stackrun/stackrun/pkg/stores"
	"github.com/stackrun/stackrun/pkg/telemetry"
)

// stateDir holds the default databases, next to the config file.
const stateDir = ".stackrun"

// environment is everything a command needs, opened from one config file.
type environment struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	backend  stores.GraphBackend
	history  *stores.SQLiteStore
	provider engine.Provider
	closers  []func() error
}

// openEnvironment loads the config and opens its backends. The caller must
// Close the environment.
func openEnvironment(ctx context.Context) (*environment, error) {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, err
	}

	tel, err := newTelemetry()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tel.Metrics.StartMetricsServer(ctx, log.Logger)

	env := &environment{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.WithNamespace(cfg.Namespace).Zerolog(),
	}

	if err := env.openBackend(ctx); err != nil {
		_ = env.Close(ctx)
		return nil, err
	}
	if err := env.openHistory(ctx); err != nil {
		_ = env.Close(ctx)
		return nil, err
	}
	if err := env.openProvider(ctx); err != nil {
		_ = env.Close(ctx)
		return nil, err
	}
	return env, nil
}

func newTelemetry() (*telemetry.Telemetry, error) {
	tc := telemetry.DefaultConfig()
	if verbose {
		tc.Logging.Level = "debug"
	}
	tc.Metrics.ListenAddress = metricsAddr
	if traceExport != "" && traceExport != "none" {
		tc.Tracing.Enabled = true
		tc.Tracing.Exporter = traceExport
		tc.Tracing.Endpoint = traceTarget
	}
	return telemetry.NewTelemetry(tc)
}

// statePath resolves a database path relative to the config file. An empty
// path selects name inside the state directory.
func (e *environment) statePath(path, name string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	base := filepath.Dir(e.cfg.SourcePath)
	if path == "" {
		dir := filepath.Join(base, stateDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create state directory: %w", err)
		}
		return filepath.Join(dir, name), nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	return path, nil
}

func (e *environment) openBackend(ctx context.Context) error {
	pg := e.cfg.PersistentGraph
	if pg == nil {
		pg = &config.PersistentGraphConfig{Backend: stores.BackendSQLite}
	}

	opts := stores.BackendOptions{
		Backend: pg.Backend,
		DSN:     pg.DSN,
		Bucket:  pg.Bucket,
		Key:     pg.Key,
		Table:   pg.Table,
		Region:  pg.Region,
	}
	if pg.Backend == stores.BackendSQLite {
		path, err := e.statePath(pg.Path, "graph.db")
		if err != nil {
			return err
		}
		opts.Path = path
	}

	backend, err := stores.NewGraphBackend(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to open persistent graph backend %s: %w", pg.Backend, err)
	}
	e.backend = backend
	e.closers = append(e.closers, backend.Close)
	if hc, ok := backend.(healthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("persistent graph backend %s is unhealthy: %w", pg.Backend, err)
		}
	}
	e.logger.Debug().Str("backend", pg.Backend).Msg("Persistent graph backend opened")
	return nil
}

// healthChecker is implemented by stores that can verify their connection.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

func (e *environment) openHistory(ctx context.Context) error {
	if e.cfg.History == nil {
		return nil
	}
	path, err := e.statePath(e.cfg.History.Path, "history.db")
	if err != nil {
		return err
	}
	store, err := stores.OpenSQLiteStore(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to open run history: %w", err)
	}
	e.history = store
	e.closers = append(e.closers, store.Close)
	if err := store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("run history is unhealthy: %w", err)
	}
	return nil
}

func (e *environment) openProvider(ctx context.Context) error {
	pc := e.cfg.Provider
	if pc == nil {
		pc = &config.ProviderConfig{Type: config.ProviderLocal}
	}

	switch pc.Type {
	case config.ProviderCloudFormation:
		client, err := cloudformation.NewClient(ctx, cloudformation.ClientOptions{
			Region:   pc.Region,
			Profile:  os.Getenv("AWS_PROFILE"),
			Endpoint: os.Getenv("STACKRUN_CLOUDFORMATION_ENDPOINT"),
		})
		if err != nil {
			return err
		}
		e.provider = cloudformation.New(client, cloudformation.Options{Logger: e.logger})

	case config.ProviderLocal:
		path, err := e.statePath(pc.Path, "stacks.db")
		if err != nil {
			return err
		}
		p, err := local.New(ctx, local.Options{
			Path:   path,
			Settle: e.cfg.SettleDelay(),
			Logger: e.logger,
		})
		if err != nil {
			return err
		}
		e.provider = p
		e.closers = append(e.closers, p.Close)

	default:
		return fmt.Errorf("unknown provider type %q", pc.Type)
	}
	return nil
}

// policyEngine loads the built-in policies, the configured policy files
// and disables the policies the config names.
func (e *environment) policyEngine(ctx context.Context) (*policy.Engine, error) {
	pe, err := policy.NewEngine(e.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if e.cfg.Policy == nil {
		return pe, nil
	}
	if len(e.cfg.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, e.resolvePaths(e.cfg.Policy.Paths)); err != nil {
			return nil, err
		}
	}
	for _, name := range e.cfg.Policy.Disable {
		if err := pe.DisablePolicy(name); err != nil {
			return nil, fmt.Errorf("cannot disable policy %s: %w", name, err)
		}
	}
	return pe, nil
}

func (e *environment) resolvePaths(paths []string) []string {
	base := filepath.Dir(e.cfg.SourcePath)
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		out = append(out, p)
	}
	return out
}

// runner builds an actions.Runner for this environment.
func (e *environment) runner(ctx context.Context, force bool) (*actions.Runner, error) {
	pe, err := e.policyEngine(ctx)
	if err != nil {
		return nil, err
	}
	hookRunner, err := hooks.FromConfig(e.cfg.Hooks, e.logger)
	if err != nil {
		return nil, err
	}

	opts := actions.Options{
		Provider:    e.provider,
		Backend:     e.backend,
		Policy:      pe,
		Hooks:       hookRunner,
		Telemetry:   e.tel,
		Logger:      e.tel.Logger.Zerolog(),
		Force:       force,
		Concurrency: concurrency,
		HolderID:    holderID(),
	}
	if e.history != nil {
		opts.History = e.history
	}
	return actions.NewRunner(e.cfg, opts)
}

// Close flushes telemetry and closes every opened backend.
func (e *environment) Close(ctx context.Context) error {
	var result *multierror.Error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := e.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// holderID names this process in the graph lock.
func holderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Package commands wires the npmlens pipeline components into the CLI
// entry points: observe, consume, analyze, score, tasks and
// check-credentials.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/spf13/cobra"

	"github.com/npmlens/npmlens/internal/analysis"
	"github.com/npmlens/npmlens/internal/collectors"
	"github.com/npmlens/npmlens/internal/config"
	"github.com/npmlens/npmlens/internal/downloader"
	"github.com/npmlens/npmlens/internal/httpx"
	"github.com/npmlens/npmlens/internal/queue"
	"github.com/npmlens/npmlens/internal/registry"
	"github.com/npmlens/npmlens/internal/scoring"
	"github.com/npmlens/npmlens/internal/store"
	"github.com/npmlens/npmlens/internal/tokendealer"
	"github.com/npmlens/npmlens/pkg/observability"
	"github.com/npmlens/npmlens/pkg/version"
)

const serviceName = "npmlens"

// tokenGroupGitHub is the token dealer group GitHub credentials live in.
const tokenGroupGitHub = "github"

// rootOptions holds the global persistent flags shared by every
// subcommand.
type rootOptions struct {
	logLevel   string
	logJSON    bool
	configPath string
	envFile    string
}

// NewRootCommand builds the npmlens command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "npmlens",
		Short: "npmlens - continuous npm package analysis pipeline",
		Long: `npmlens follows the npm registry changes feed, analyzes every
package (metadata, registry stats, GitHub activity, source inspection),
evaluates quality/popularity/maintenance, and maintains a search index
of final scores.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (error, warn, info, verbose, debug)")
	flags.BoolVar(&opts.logJSON, "log-json", false, "emit logs as JSON")
	flags.StringVar(&opts.configPath, "config", "", "config file path (default .npmlens.yaml in CWD or $HOME)")
	flags.StringVar(&opts.envFile, "env-file", "", "dotenv file loaded before configuration")

	cmd.AddCommand(
		NewObserveCommand(opts),
		NewConsumeCommand(opts),
		NewAnalyzeCommand(opts),
		NewScoreCommand(opts),
		NewTasksCommand(opts),
		NewCheckCredentialsCommand(opts),
		newVersionCommand(),
	)

	return cmd
}

// App holds the bootstrapped runtime shared by subcommands.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Metrics   *observability.PipelineMetrics
	Providers observability.Providers
}

// bootstrap loads configuration and initializes observability for one
// command invocation. component names the entry point in telemetry.
func (o *rootOptions) bootstrap(component string) (*App, error) {
	if err := config.LoadEnvFile(o.envFile); err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}

	providers, err := observability.Init(observability.Config{
		ServiceName:    serviceName,
		ServiceVersion: version.Version,
		Component:      component,
		OTLPEndpoint:   cfg.OTLP.Endpoint,
		OTLPInsecure:   cfg.OTLP.Insecure,
		LogLevel:       observability.ParseLevel(o.logLevel),
		LogJSON:        o.logJSON,
	})
	if err != nil {
		return nil, err
	}

	slog.SetDefault(providers.Logger)

	return &App{
		Config:    cfg,
		Logger:    providers.Logger,
		Metrics:   providers.Metrics,
		Providers: providers,
	}, nil
}

// shutdown flushes telemetry; called on every command exit path.
func (a *App) shutdown(ctx context.Context) {
	if err := a.Providers.Shutdown(ctx); err != nil {
		a.Logger.ErrorContext(ctx, "telemetry shutdown failed", slog.Any("error", err))
	}
}

// serveMetrics exposes /metrics when an address is configured.
func (a *App) serveMetrics(ctx context.Context) {
	addr := a.Config.MetricsAddr
	if addr == "" {
		return
	}

	go func() {
		if err := a.Metrics.Serve(ctx, addr); err != nil {
			a.Logger.ErrorContext(ctx, "metrics listener failed",
				slog.String("addr", addr), slog.Any("error", err))
		}
	}()
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	s, err := store.NewCouch(ctx, a.Config.Store.URL, a.Config.Store.Database)
	if err != nil {
		return nil, fmt.Errorf("open analysis store: %w", err)
	}

	return s, nil
}

func (a *App) openRegistry() (*registry.Client, error) {
	client, err := registry.New(a.Config.Registry.URL)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	return client, nil
}

func (a *App) openQueue() (*queue.AMQPQueue, error) {
	q, err := queue.NewAMQP(a.Config.Queue.URL, a.Config.Queue.Name, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	return q, nil
}

// openSearchIndex returns nil when no search engine is configured;
// callers degrade to running without score indexing.
func (a *App) openSearchIndex() (*scoring.Index, error) {
	if a.Config.Search.URL == "" {
		return nil, nil
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{a.Config.Search.URL},
	})
	if err != nil {
		return nil, fmt.Errorf("open search engine: %w", err)
	}

	return scoring.NewIndex(client, a.Config.Search.Index), nil
}

// buildEngine assembles the analysis engine with its full collector set.
func (a *App) buildEngine(s store.Store, reg *registry.Client, remover analysis.ScoreRemover) *analysis.Engine {
	httpClient := httpx.NewClient(httpx.WithLogger(a.Logger))

	var downloadsOpts []registry.DownloadsOption
	if a.Config.Registry.DownloadsURL != "" {
		downloadsOpts = append(downloadsOpts, registry.WithDownloadsURL(a.Config.Registry.DownloadsURL))
	}
	downloads := registry.NewDownloads(httpClient, downloadsOpts...)

	dealer := tokendealer.New(tokenGroupGitHub, a.Config.GitHubTokenList(),
		tokendealer.WithWait(a.Config.GitHub.WaitRateLimit))

	dl := downloader.New(
		downloader.WithLogger(a.Logger),
		downloader.WithLimits(a.Config.Downloader.MaxFiles, a.Config.Downloader.MaxTarballSize),
		downloader.WithGitRefs(a.Config.Downloader.GitRefs),
	)

	all := []collectors.Collector{
		collectors.NewMetadata(collectors.WithLinkChecker(httpClient)),
		collectors.NewNPM(reg, downloads),
		collectors.NewGitHub(httpClient, dealer),
		collectors.NewSource(reg, collectors.NewOSV(httpClient)),
	}

	return analysis.New(analysis.Options{
		Registry:   reg,
		Store:      s,
		Downloader: dl,
		Collectors: all,
		Remover:    remover,
		Logger:     a.Logger,
		Observer:   a.Metrics,
		Metrics:    a.Metrics,
		Blacklist:  a.Config.Blacklist,
	})
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "npmlens %s (commit: %s, built: %s)\n",
				version.Version, version.Commit, version.Date)
		},
	}
}

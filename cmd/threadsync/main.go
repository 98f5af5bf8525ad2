package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/floegence/threadsync/internal/auditlog"
	"github.com/floegence/threadsync/internal/config"
	"github.com/floegence/threadsync/internal/engine"
	"github.com/floegence/threadsync/internal/logging"
	"github.com/floegence/threadsync/internal/settings"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "threadsync",
		Short:         "Chat threads kept in sync with a remote store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Config path (default: ~/.threadsync/config.yaml)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")

	cmd.AddCommand(
		newChatCmd(g),
		newThreadsCmd(g),
		newSearchCmd(g),
		newAuditCmd(g),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "threadsync %s (%s) %s\n", Version, Commit, BuildTime)
		},
	}
}

func (g *globalFlags) path() string {
	if p := strings.TrimSpace(g.configPath); p != "" {
		return p
	}
	return config.DefaultConfigPath()
}

// load reads the config and initializes logging from it.
func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(g.path())
	if err != nil {
		return nil, err
	}
	if lvl := strings.TrimSpace(g.logLevel); lvl != "" {
		cfg.LogLevel = lvl
	}
	initLogging(cfg)
	return cfg, nil
}

func initLogging(cfg *config.Config) {
	format := strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if format == "" {
		format = "json"
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "console"
		}
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: format, Output: os.Stderr})
}

func (g *globalFlags) secrets() *settings.SecretsStore {
	return settings.NewSecretsStore(engine.DefaultSecretsPath(g.path())).WithEnv(os.LookupEnv)
}

func (g *globalFlags) openEngine(ctx context.Context, opts ...engine.Option) (*engine.Engine, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	journal, err := g.audit()
	if err != nil {
		return nil, err
	}
	opts = append([]engine.Option{engine.WithSecrets(g.secrets()), engine.WithAudit(journal)}, opts...)
	return engine.New(ctx, cfg, opts...)
}

// audit opens the mutation journal in the audit directory next to the config file.
func (g *globalFlags) audit() (*auditlog.Store, error) {
	log := logging.Component("audit")
	return auditlog.New(auditlog.Options{
		Dir:    filepath.Join(filepath.Dir(filepath.Clean(g.path())), "audit"),
		Logger: &log,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

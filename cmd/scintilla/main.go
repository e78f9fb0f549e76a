// Command scintilla runs the federated tool-execution broker.
//
// Usage:
//
//	scintilla serve --config config.yaml
//	scintilla validate --config config.yaml
//	scintilla mint-token --user alice --name laptop-agent
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/scintilla-hq/scintilla/pkg/auth"
	"github.com/scintilla-hq/scintilla/pkg/broker"
	"github.com/scintilla-hq/scintilla/pkg/catalog"
	"github.com/scintilla-hq/scintilla/pkg/config"
	"github.com/scintilla-hq/scintilla/pkg/conversation"
	"github.com/scintilla-hq/scintilla/pkg/executor"
	"github.com/scintilla-hq/scintilla/pkg/llms"
	"github.com/scintilla-hq/scintilla/pkg/logger"
	"github.com/scintilla-hq/scintilla/pkg/loop"
	"github.com/scintilla-hq/scintilla/pkg/mcp"
	"github.com/scintilla-hq/scintilla/pkg/observability"
	"github.com/scintilla-hq/scintilla/pkg/registry"
	"github.com/scintilla-hq/scintilla/pkg/server"
)

// CLI defines the command-line interface.
type CLI struct {
	Version   VersionCmd   `cmd:"" help:"Show version information."`
	Serve     ServeCmd     `cmd:"" help:"Start the broker server."`
	Validate  ValidateCmd  `cmd:"" help:"Validate configuration file."`
	MintToken MintTokenCmd `cmd:"" name:"mint-token" help:"Mint a local-agent token."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"config.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("scintilla version %s\n", version)
	return nil
}

// ValidateCmd checks the config file without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Println("configuration is valid")
	return nil
}

// MintTokenCmd creates a local-agent token and prints the secret once.
type MintTokenCmd struct {
	User string `required:"" help:"Owning user id."`
	Name string `help:"Token label (e.g. the machine it lives on)."`
	TTL  string `help:"Optional lifetime (e.g. 720h). Empty = no expiry."`
}

func (c *MintTokenCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	store, err := registry.NewFromConfig(&cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	var expiresAt *time.Time
	if c.TTL != "" {
		ttl, err := time.ParseDuration(c.TTL)
		if err != nil {
			return fmt.Errorf("invalid ttl: %w", err)
		}
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	validator := auth.NewAgentTokenValidator(store)
	token, err := validator.MintAgentToken(context.Background(), c.User, c.Name, expiresAt)
	if err != nil {
		return err
	}

	fmt.Println("Agent token (store it now, it is not shown again):")
	fmt.Println(token)
	return nil
}

// ServeCmd starts the broker server.
type ServeCmd struct {
	Port int `help:"Override the configured listen port."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	store, err := registry.NewFromConfig(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open source registry: %w", err)
	}
	defer store.Close()

	conversations, err := conversation.NewSQLStore(store.DB(), store.Dialect())
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}

	b := broker.New(broker.WithCapabilityBundles(cfg.Broker.CapabilityBundles...))
	b.StartReaper(ctx, cfg.Broker.ReapInterval, cfg.Broker.AgentMaxAge)

	mcpClient := mcp.NewClient()
	cat := catalog.New(store, mcpClient, b)
	exec := executor.New(mcpClient, b)

	providers := llms.NewRegistry()
	defer providers.Close()
	for name := range cfg.LLMs {
		llmCfg := cfg.LLMs[name]
		if _, err := providers.CreateFromConfig(name, &llmCfg); err != nil {
			return err
		}
	}

	var jwtValidator *auth.JWTValidator
	if cfg.Auth.JWKSURL != "" {
		jwtValidator, err = auth.NewJWTValidator(cfg.Auth.JWKSURL, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return fmt.Errorf("failed to initialize JWT validation: %w", err)
		}
	}

	metrics := observability.NewMetrics()
	agentLoop := loop.New(store, cat, exec, providers, conversations, metrics)

	srv := server.New(&cfg.Server, server.Deps{
		Loop:           agentLoop,
		Broker:         b,
		Catalog:        cat,
		Metrics:        metrics,
		JWTValidator:   jwtValidator,
		AgentValidator: auth.NewAgentTokenValidator(store),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func loadConfig(cli *CLI) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	var cli CLI

	ctx := kong.Parse(&cli,
		kong.Name("scintilla"),
		kong.Description("Scintilla - federated MCP tool-execution broker"),
		kong.UsageOnError(),
	)

	output := os.Stderr
	if cli.LogFile != "" {
		file, closeFn, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer closeFn()
		output = file
	}
	logger.Init(logger.ParseLevel(cli.LogLevel), output, cli.LogFormat)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "scintilla: %v\n", err)
		os.Exit(1)
	}
}

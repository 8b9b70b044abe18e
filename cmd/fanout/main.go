package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"fanout/internal/app"
	"fanout/internal/config"
	"fanout/internal/logging"
)

// version is set with -ldflags "-X main.version=..." on release builds.
var version = "dev"

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the fanout server (default)."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration and exit."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config   string `short:"c" env:"FANOUT_CONFIG_FILE" help:"Path to a JSON config file." type:"path"`
	LogLevel string `help:"Override the configured log level (debug, info, warn, error)."`
}

func (c *CLI) load() (*config.Config, error) {
	cfg, err := config.LoadConfigWithPrecedence(c.Config)
	if err != nil {
		return nil, err
	}
	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
	}
	return cfg, nil
}

type ServeCmd struct{}

// Run serves until SIGINT or SIGTERM, then shuts down within the configured
// timeout.
func (s *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(ctx, cfg, logger, buildVersion())
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		_ = application.Stop(shutdownCtx)
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return application.Stop(shutdownCtx)
}

type ValidateCmd struct{}

func (v *ValidateCmd) Run(cli *CLI, out io.Writer) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "configuration ok: listening on %s, redis %s, journal enabled=%t\n",
		cfg.HTTP.Addr(), cfg.Redis.RedactedURL(), cfg.Journal.Enabled)
	return nil
}

type VersionCmd struct{}

func (v *VersionCmd) Run(out io.Writer) error {
	fmt.Fprintf(out, "fanout %s\n", buildVersion())
	return nil
}

func buildVersion() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}

func run(args []string, out io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("fanout"),
		kong.Description("Realtime presence and message fanout server."),
		kong.UsageOnError(),
		kong.Writers(out, out),
		kong.BindTo(out, (*io.Writer)(nil)),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kctx.Run(&cli)
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "fanout:", err)
		os.Exit(1)
	}
}

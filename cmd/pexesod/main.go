package main

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/alecthomas/kong"

	"pexeso"
	"pexeso/internal/config"
	"pexeso/internal/server"
)

type CLI struct {
	Version kong.VersionFlag `help:"Print version."`

	Config      string `help:"Path to TOML config file." type:"path"`
	LogLevel    string `enum:"debug,info,warn,error" default:"info" help:"Log level (debug, info, warn, error)."`
	LogFile     string `help:"Append logs to a file instead of stderr." type:"path"`
	MetricsAddr string `help:"Prometheus listen address override (e.g. :9090)."`

	Serve      ServeCmd      `cmd:"" default:"withargs" help:"Run the game server."`
	ShowConfig ShowConfigCmd `cmd:"" name:"config" help:"Print effective configuration."`
}

type ShowConfigCmd struct{}

func (cmd *ShowConfigCmd) Run(cfg *config.Config) error {
	return toml.NewEncoder(os.Stdout).Encode(cfg)
}

type ServeCmd struct {
	IP         string `arg:"" help:"Listen IP address."`
	Port       int    `arg:"" help:"Listen port (1-65535)."`
	MaxRooms   int    `arg:"" help:"Maximum concurrent rooms."`
	MaxClients int    `arg:"" help:"Maximum concurrent clients."`
}

func (cmd *ServeCmd) Run(cfg *config.Config) error {
	if net.ParseIP(cmd.IP) == nil {
		return fmt.Errorf("invalid IP address %q", cmd.IP)
	}
	if cmd.Port < 1 || cmd.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", cmd.Port)
	}
	if cmd.MaxRooms < 1 || cmd.MaxClients < 1 {
		return fmt.Errorf("max_rooms and max_clients must be positive")
	}

	srv, err := server.New(server.Options{
		Addr:        net.JoinHostPort(cmd.IP, strconv.Itoa(cmd.Port)),
		MaxRooms:    cmd.MaxRooms,
		MaxClients:  cmd.MaxClients,
		Config:      cfg.Server,
		MetricsAddr: cfg.Metrics.Addr,
	})
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		slog.Info("signal received", "signal", s)
		srv.Shutdown()
	}()

	return srv.Serve()
}

func setupLogging(level, file string) (io.Closer, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	var closer io.Closer
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closer = f
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})))
	return closer, nil
}

func main() {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("pexesod"),
		kong.Description("Multiplayer memory game server."),
		kong.UsageOnError(),
		kong.Vars{"version": pexeso.Version()},
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		parser.Printf("%s", err)
		parser.Exit(1)
		return
	}

	closer, err := setupLogging(cli.LogLevel, cli.LogFile)
	ctx.FatalIfErrorf(err)
	if closer != nil {
		defer closer.Close()
	}

	cfg := config.Default()
	if cli.Config != "" {
		cfg, err = config.LoadFrom(cli.Config)
		ctx.FatalIfErrorf(err)
	}
	if cli.MetricsAddr != "" {
		cfg.Metrics.Addr = cli.MetricsAddr
	}

	ctx.FatalIfErrorf(ctx.Run(cfg))
}

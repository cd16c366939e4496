// Package main is the entry point for the agentviz monitor daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shelfwood/agentviz/internal/config"
	"github.com/shelfwood/agentviz/internal/monitor"
	"github.com/shelfwood/agentviz/internal/store"
)

// Version is set at build time via ldflags.
var Version = "v0.1.0"

// loadEnvFiles loads .env from standard locations.
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	configEnv := filepath.Join(homeDir, ".config", "agentviz", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Local .env can override.
	_ = godotenv.Load()
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run", "serve", "start":
			runMonitor(os.Args[2:])
			return
		case "health":
			runHealth(os.Args[2:])
			return
		case "version", "-v", "--version":
			fmt.Println("agentviz", Version)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}

	runMonitor(os.Args[1:])
}

// resolveConfig resolves the config source: user flag, filesystem locations,
// then the embedded default.
func resolveConfig(userConfig string) ([]byte, string, error) {
	if userConfig != "" {
		data, err := os.ReadFile(userConfig)
		if err != nil {
			return nil, "", fmt.Errorf("config file not found: %s", userConfig)
		}
		return data, userConfig, nil
	}

	homeDir, _ := os.UserHomeDir()

	searchPaths := []string{}
	if homeDir != "" {
		searchPaths = append(searchPaths,
			filepath.Join(homeDir, ".config", "agentviz", "config.yaml"),
		)
	}
	searchPaths = append(searchPaths, "config.yaml")

	for _, path := range searchPaths {
		if data, err := os.ReadFile(path); err == nil {
			return data, path, nil
		}
	}

	if data, err := getEmbeddedConfig("config"); err == nil {
		return data, "(embedded) config.yaml", nil
	}

	return nil, "", fmt.Errorf("no config file found. Specify --config path")
}

// runMonitor starts the monitor daemon.
func runMonitor(args []string) {
	loadEnvFiles()

	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	configData, configSource, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, err := config.LoadFromBytes(configData)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configSource, err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging, *debug)

	log.Info().
		Str("version", Version).
		Str("config", configSource).
		Msg("agentviz monitor starting")

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("db", cfg.DBPath).Msg("failed to open event store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	// Run releases its watches and timers before returning; only then is
	// the store closed.
	daemon := monitor.New(cfg, st)
	if err := daemon.Run(ctx); err != nil {
		_ = st.Close()
		log.Fatal().Err(err).Msg("monitor daemon error")
	}

	if err := st.Close(); err != nil {
		log.Error().Err(err).Msg("store close error")
	}
	log.Info().Msg("agentviz monitor stopped")
}

// runHealth opens the store and prints the health probe.
func runHealth(args []string) {
	loadEnvFiles()

	fs := flag.NewFlagSet("health", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args)

	configData, _, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.LoadFromBytes(configData)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store unreachable: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	h, err := st.Health(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "health probe failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("db:        %s\n", h.Path)
	fmt.Printf("instance:  %s\n", h.InstanceID)
	fmt.Printf("sessions:  %d\n", h.Sessions)
	fmt.Printf("events:    %d\n", h.Events)
}

// setupLogging configures zerolog from config, with -debug forcing debug
// level.
func setupLogging(cfg config.LoggingConfig, debug bool) {
	var out *os.File
	switch cfg.Output {
	case "stdout":
		out = os.Stdout
	case "stderr", "":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			out = os.Stderr
		} else {
			out = f
		}
	}

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		})
	} else {
		log.Logger = log.Output(out)
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
		level = parsed
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

func printHelp() {
	fmt.Println("agentviz - coding-assistant session monitor")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  agentviz [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run          Start the monitor daemon (default)")
	fmt.Println("  health       Probe the event store")
	fmt.Println("  version      Print version information")
	fmt.Println("  help         Show this help message")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config FILE    Config file (default: ~/.config/agentviz/config.yaml)")
	fmt.Println("  --debug          Enable debug logging")
}

package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"threatgate/security-gateway/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// startTime is when the process started; /admin/stats reports uptime from it.
var startTime = time.Now()

var configPath string

var rootCmd = &cobra.Command{
	Use:          "gateway",
	Short:        "Security gateway: token verification, threat detection and response",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (overrides GATEWAY_CONFIG env var)")
	rootCmd.AddCommand(serveCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the config path (flag > env var > ./config.yaml >
// ./config.example.yaml), loads it and validates it.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("GATEWAY_CONFIG")
	}
	if path == "" {
		path = "./config.yaml"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = "./config.example.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

// setupLogging configures the global zerolog logger. Debug level writes
// human readable output to stdout; otherwise JSON goes to stderr or to a
// rotated file. The returned closer releases the file, if any.
func setupLogging(lc config.LoggingCfg) io.Closer {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if lc.File != "" {
		lj := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
			Compress:   true,
		}
		log.Logger = zerolog.New(lj).With().Timestamp().Logger()
		return lj
	}
	if level == zerolog.DebugLevel {
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return io.NopCloser(nil)
}

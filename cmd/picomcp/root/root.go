package root

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"picomcp/internal/config"
)

var (
	flagConfigPath string
	// flagEnvFile is registered for help and validation only; envFiles reads
	// it from os.Args because .env must load before cobra parses flags.
	flagEnvFile    string

	// cfg is loaded once before any subcommand runs.
	cfg config.Config
)

// rootCmd defines the base command for picomcp
var rootCmd = &cobra.Command{
	Use:   "picomcp",
	Short: "Serve tools, resources and prompts over JSON-RPC",
	Long: "picomcp exposes a fixed set of tools, resources and prompts to MCP clients over stdio, HTTP " +
		"or a Bluetooth LE Nordic UART link. Configure it in ./picomcp.toml or with PICOMCP_* variables.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations["skipConfig"] == "true" {
			return nil
		}
		return loadConfig()
	},
}

func loadConfig() error {
	path := flagConfigPath
	if path == "" {
		if p := config.DefaultPath(""); fileExists(p) {
			path = p
		}
	}
	c, err := config.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %s not found (run `picomcp init` to create one)", path)
		}
		return err
	}
	cfg = c
	logrus.WithFields(logrus.Fields{"path": path, "env_file": flagEnvFile, "providers": len(cfg.Providers)}).Debug("configuration loaded")
	return nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// Execute runs the Cobra root command.
func Execute() {
	// Load environment from .env if present and configure logger
	_ = godotenv.Load(envFiles()...)
	configureLogging()

	// Optional file logging via LOG_FILE. If set, duplicate output to file.
	logFile := openLogFile()

	err := rootCmd.Execute()
	if logFile != nil {
		_ = logFile.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// envFiles honours --env-file before cobra has parsed flags.
func envFiles() []string {
	for i, a := range os.Args {
		switch {
		case strings.HasPrefix(a, "--env-file="):
			return []string{strings.TrimPrefix(a, "--env-file=")}
		case a == "--env-file" && i+1 < len(os.Args):
			return []string{os.Args[i+1]}
		}
	}
	return nil
}

func configureLogging() {
	level := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	if level == "" && (os.Getenv("DEBUG") == "1" || strings.EqualFold(os.Getenv("DEBUG"), "true")) {
		level = "debug"
	}
	switch level {
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
	// stdout carries protocol frames in stdio mode.
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

func openLogFile() *os.File {
	lf := strings.TrimSpace(os.Getenv("LOG_FILE"))
	if lf == "" {
		return nil
	}
	// Expand ~/ paths
	if strings.HasPrefix(lf, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			lf = filepath.Join(home, strings.TrimPrefix(lf, "~"))
		}
	}
	if err := os.MkdirAll(filepath.Dir(lf), 0o755); err != nil {
		logrus.WithError(err).Warn("failed to create directory for LOG_FILE; using stderr only")
		return nil
	}
	f, err := os.OpenFile(lf, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logrus.WithError(err).Warn("failed to open LOG_FILE; using stderr only")
		return nil
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, f))
	logrus.WithField("file", lf).Info("logging to file enabled")
	return f
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "Config file (TOML, or YAML by extension); defaults to ./picomcp.toml when present")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", "", "Load environment variables from this file instead of ./.env")
}

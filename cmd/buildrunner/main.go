package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"buildrunner/internal/api"
	"buildrunner/internal/config"
	"buildrunner/internal/logger"
)

const defaultConfigPath = "config.yaml"

var (
	cfg        *config.Config
	configPath string // config file actually loaded, empty when built from env

	flagConfigFilePath string
	flagVerbose        bool
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load (default "+defaultConfigPath+" when present, otherwise environment only)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initBuildrunner

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("buildrunner failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "buildrunner",
	Short:        "Run Jenkins jobs to completion and follow their output",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	// version works without any configuration
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(out, "buildrunner: version info not available")
			return
		}
		fmt.Fprintf(out, "buildrunner: %s\n", info.Main.Version)
		fmt.Fprintf(out, "go:          %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Fprintf(out, "commit:      %s\n", s.Value)
			case "vcs.time":
				fmt.Fprintf(out, "date:        %s\n", s.Value)
			}
		}
	},
}

func initBuildrunner(cmd *cobra.Command, _ []string) error {
	level := config.GetLogLevel()
	if flagVerbose {
		level = "debug"
	}
	logger.Init(level)

	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		api.Version = info.Main.Version
	}

	loaded, path, err := loadConfig(flagConfigFilePath)
	if err != nil {
		return err
	}
	cfg, configPath = loaded, path
	logger.Get().DebugContext(cmd.Context(), "configuration loaded", "path", configPath, "log_level", level)
	return nil
}

// loadConfig reads path, or config.yaml when path is empty and the file
// exists, or falls back to environment variables only
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		if env, ok := os.LookupEnv("BUILDRUNNER_CONFIG"); ok {
			path = env
		}
	}
	if path != "" {
		c, err := config.Load(path)
		if err != nil {
			return nil, "", fmt.Errorf("load config %s: %w", path, err)
		}
		return c, path, nil
	}

	c, err := config.Load(defaultConfigPath)
	if err == nil {
		return c, defaultConfigPath, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("load config %s: %w", defaultConfigPath, err)
	}

	c, err = config.FromEnv()
	if err != nil {
		return nil, "", fmt.Errorf("config from environment: %w", err)
	}
	return c, "", nil
}

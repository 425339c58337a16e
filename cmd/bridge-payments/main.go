package main

import (
	"fmt"
	"os"
	"path/filepath"

	"bridge-payments/internal/core"
	"bridge-payments/internal/settings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "bridge-payments",
		Short:   "ERP file-drop bridge to card terminals and QR wallets",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, "")
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", filepath.Join(core.ExecutableDir(), "config.yml"), "Path to config.yml")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(statusCmd(&configPath))
	rootCmd.AddCommand(dropCmd(&configPath))
	rootCmd.AddCommand(testQRCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadSettings reads the config and builds the process logger from its log
// section.
func loadSettings(configPath string) (*settings.Manager, *core.LogContext, error) {
	boot, err := core.NewLogContext(os.Stdout, core.LogOptions{Level: "info"})
	if err != nil {
		return nil, nil, err
	}
	sm, err := settings.Load(boot.GetLogger("settings"), configPath, filepath.Dir(configPath))
	if err != nil {
		return nil, nil, err
	}

	cfg := sm.Get().Log
	logs, err := core.NewLogContext(os.Stdout, core.LogOptions{Level: cfg.Level, Format: cfg.Format, File: cfg.File})
	if err != nil {
		return nil, nil, err
	}
	return sm, logs, nil
}

// quietLogger is used by the one-shot commands.
func quietLogger() *logrus.Entry {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(base)
}

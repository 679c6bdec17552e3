// Package cmd implements the blelink command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/davidroman0O/blelink/config"
	"github.com/davidroman0O/blelink/logger"
	"github.com/davidroman0O/blelink/radio"
	"github.com/davidroman0O/blelink/radio/bluez"
	"github.com/davidroman0O/blelink/radio/sim"
)

// Global flags
var (
	configFile string
	logLevel   string
	backend    string
)

var rootCmd = &cobra.Command{
	Use:   "blelink",
	Short: "BLE connection and task orchestration",
	Long: `blelink drives BLE peripherals through a single-threaded task queue with
automatic reconnects, authentication and initialization transactions.
It runs against BlueZ on Linux or against a simulated radio.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "Radio backend (sim, bluez); overrides the config")
}

// loadConfig reads --config on top of the defaults and applies flag overrides
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.LoadConfigFile(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if backend != "" {
		cfg.Backend = config.Backend(backend)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logger.Logrus {
	return logger.New(cfg.LogLevel)
}

// newRadio builds the configured backend. The simulated radio knows one
// well-behaved peer per address in peers.
func newRadio(cfg *config.Config, log logger.Logger, peers ...string) (radio.Radio, error) {
	switch cfg.Backend {
	case config.BackendBlueZ:
		return bluez.New(cfg.Radio, bluez.WithLogger(logger.WithFields(log, map[string]interface{}{"component": "bluez"}))), nil
	case config.BackendSim, "":
		r := sim.New()
		for _, addr := range peers {
			r.AddPeer(simPeer(addr))
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"iotc-bridge/internal/api"
	"iotc-bridge/internal/bridge"
	"iotc-bridge/internal/cache"
	"iotc-bridge/internal/clock"
	"iotc-bridge/internal/config"
	"iotc-bridge/internal/logging"
	"iotc-bridge/internal/provisioning"
)

var version = "dev"

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "iotc-bridge",
	Short: "MQTT to IoT Central bridge",
	Long: `A bridge that provisions a device identity through the device
provisioning service, using a group enrollment key, and relays local MQTT
traffic to the assigned IoT hub.`,
	SilenceUsage: true,
	RunE:         runBridge,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config file")
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration and a logger at the effective level
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := logging.Initialize(cfg.LogLevel)
	if err := logging.SetupFileLogging(logger, cfg.LogFile); err != nil {
		return nil, nil, fmt.Errorf("failed to set up file logging: %w", err)
	}

	return cfg, logger, nil
}

// runBridge provisions the device and hands the credential to the relay,
// serving the status API alongside when enabled
func runBridge(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	credCache := cache.New()

	factory, err := provisioning.NewFactoryFromConfig(cfg, credCache, clk, logger)
	if err != nil {
		return err
	}

	opener := &bridge.LoggingOpener{Logger: logger, Broker: cfg.MQTTBroker, Topic: cfg.MQTTTopic}
	manager, err := bridge.NewManager(cfg, factory, opener, logger, bridge.WithVersion(version), bridge.WithClock(clk))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	apiErr := make(chan error, 1)
	if cfg.StatusAPI.Enabled {
		server, err := api.NewServer(cfg, factory, credCache, clk, logger)
		if err != nil {
			return fmt.Errorf("failed to create status API server: %w", err)
		}
		go func() {
			apiErr <- server.Start(ctx)
		}()
	} else {
		close(apiErr)
	}

	logger.WithFields(logrus.Fields{
		"device_id": cfg.DeviceID,
		"id_scope":  cfg.IDScope,
		"version":   version,
	}).Info("Bridge starting up")

	runErr := manager.Start(ctx)
	cancel()

	if err := <-apiErr; err != nil {
		logger.WithError(err).Error("Status API server failed")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	logger.Info("Bridge shut down")
	return nil
}

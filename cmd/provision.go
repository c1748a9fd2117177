package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"iotc-bridge/internal/cache"
	"iotc-bridge/internal/clock"
	"iotc-bridge/internal/provisioning"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision the device and print its connection string",
	Long: `Register the configured device with the device provisioning service
and print the resulting connection string. The device key is derived from
the group enrollment key.`,
	RunE: runProvisionCommand,
}

var (
	provisionDeviceID string
	provisionTimeout  int
	provisionRedact   bool
)

func init() {
	provisionCmd.Flags().StringVar(&provisionDeviceID, "device-id", "", "device id to provision (defaults to the configured device)")
	provisionCmd.Flags().IntVar(&provisionTimeout, "timeout", 60, "provisioning timeout in seconds")
	provisionCmd.Flags().BoolVar(&provisionRedact, "redact", false, "omit the shared access key from the output")

	rootCmd.AddCommand(provisionCmd)
}

func runProvisionCommand(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if provisionDeviceID != "" {
		cfg.DeviceID = provisionDeviceID
	}

	factory, err := provisioning.NewFactoryFromConfig(cfg, cache.New(), clock.Real(), logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(provisionTimeout)*time.Second)
	defer cancel()

	cred, err := factory.GetConnectionString(ctx, cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("provisioning failed: %w", err)
	}

	if provisionRedact {
		fmt.Fprintln(cmd.OutOrStdout(), cred.Redacted())
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), cred.String())
	}
	return nil
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"iotc-bridge/internal/auth"
	"iotc-bridge/internal/types"
)

var deriveKeyCmd = &cobra.Command{
	Use:   "derive-key [device-id]",
	Short: "Print the device key derived from the group enrollment key",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDeriveKeyCommand,
}

func init() {
	rootCmd.AddCommand(deriveKeyCmd)
}

func runDeriveKeyCommand(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	deviceID := cfg.DeviceID
	if len(args) == 1 {
		deviceID = args[0]
	}
	if deviceID == "" || cfg.GroupKey == "" {
		return types.NewProvisioningError(types.KindConfigurationMissing, deviceID,
			fmt.Errorf("a device id and group_key (IOTC_SAS_KEY) are required"))
	}

	key, err := auth.DeriveDeviceKey(cfg.GroupKey, deviceID)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}

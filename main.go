package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var flagConfig string

func main() {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "ble-tracker",
		Short: "BLE Tracker - Bluetooth proximity tracker with connection and location logging",
		Long: `BLE Tracker scans for Bluetooth Low Energy advertisements, keeps a live
roster of nearby devices with smoothed signal strength and estimated distance,
reconciles whether a device is connected across the BlueZ radio stacks, and can
log the host's location whenever a watched device is seen.

Requires sudo or CAP_NET_ADMIN capability for real Bluetooth scanning.
Use --demo flag for demonstration mode without Bluetooth hardware.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to a config file (yaml, toml or json)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to this file instead of stderr")

	flags := rootCmd.Flags()
	flags.Bool("demo", false, "Run in demo mode with fake devices (no Bluetooth required)")
	flags.String("adapter", "hci0", "Bluetooth adapter to use")
	flags.Bool("headless", false, "Run without the terminal view")
	flags.String("http", "", "Serve the HTTP API on this address, e.g. :8080")
	flags.Bool("location", false, "Log the host location when tracked devices are seen")
	flags.StringSlice("watch", nil, "Only log locations for these device ids")

	bindFlags(v, rootCmd.PersistentFlags(), map[string]string{
		"log.level": "log-level",
		"log.file":  "log-file",
	})
	bindFlags(v, flags, map[string]string{
		"demo":             "demo",
		"adapter":          "adapter",
		"headless":         "headless",
		"http.addr":        "http",
		"location.enabled": "location",
		"location.devices": "watch",
	})

	rootCmd.AddCommand(newLocationsCmd(v))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		_ = v.BindPFlag(key, fs.Lookup(name))
	}
}

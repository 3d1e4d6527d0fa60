package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ble-tracker.klederson.com/internal/config"
	"ble-tracker.klederson.com/internal/store"
)

func newLocationsCmd(v *viper.Viper) *cobra.Command {
	var (
		deviceID string
		since    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "locations",
		Short: "Print logged device locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, flagConfig)
			if err != nil {
				return err
			}
			locations, err := store.Open(cfg.Location.DBPath)
			if err != nil {
				return fmt.Errorf("open location store: %w", err)
			}
			defer func() { _ = locations.Close() }()

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			recs, err := locations.List(cmd.Context(), deviceID, from)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CAPTURED\tDEVICE\tLATITUDE\tLONGITUDE")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%.6f\t%.6f\n", r.CapturedAt.Local().Format(time.RFC3339), r.DeviceID, r.Latitude, r.Longitude)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Only records for this device id")
	cmd.Flags().DurationVar(&since, "since", 0, "Only records captured within this window, e.g. 24h")
	cmd.Flags().String("db", config.LocationDBPath, "Location database path")
	_ = v.BindPFlag("location.db_path", cmd.Flags().Lookup("db"))
	return cmd
}

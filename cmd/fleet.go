// cmd/fleet.go
package cmd

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/openfleetlabs/fleetmind/internal/fleet"
	"github.com/openfleetlabs/fleetmind/internal/observability"
)

func newFleetCmd() *cobra.Command {
	fleetCmd := &cobra.Command{
		Use:   "fleet",
		Short: "Inspects the fleet dataset",
	}

	json := jsoniter.ConfigCompatibleWithStandardLibrary

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Prints every vehicle's current telemetry snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := fleet.NewRepository(observability.GetLogger())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(repo.FleetStatus(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	anomaliesCmd := &cobra.Command{
		Use:   "anomalies [vehicle-id]",
		Short: "Checks a vehicle's readings against normal operating ranges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := fleet.NewRepository(observability.GetLogger())
			if err != nil {
				return err
			}
			anomalies, err := repo.DetectAnomalies(args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(anomalies, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	fleetCmd.AddCommand(statusCmd, anomaliesCmd)
	return fleetCmd
}

func init() {
	rootCmd.AddCommand(newFleetCmd())
}

// cmd/report.go
package cmd

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/openfleetlabs/fleetmind/internal/observability"
	"github.com/openfleetlabs/fleetmind/internal/store"
)

func newReportCmd() *cobra.Command {
	var (
		taskID    string
		handlerID string
		limit     int
	)

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Queries the persisted security audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !appCfg.Database.Enabled {
				return fmt.Errorf("reporting requires database.enabled; the in-memory audit log lives only inside a running task")
			}
			if taskID == "" && handlerID == "" {
				return fmt.Errorf("provide --task or --handler")
			}

			ctx := cmd.Context()
			logger := observability.GetLogger()

			pool, err := pgxpool.New(ctx, appCfg.Database.URL)
			if err != nil {
				return fmt.Errorf("failed to create database pool: %w", err)
			}
			defer pool.Close()

			st, err := store.New(ctx, pool, logger)
			if err != nil {
				return err
			}

			json := jsoniter.ConfigCompatibleWithStandardLibrary
			if taskID != "" {
				decisions, err := st.DecisionsByTask(ctx, taskID)
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(decisions, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			}
			if handlerID != "" {
				records, err := st.RecordsByHandler(ctx, handlerID, limit)
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(records, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			}
			return nil
		},
	}

	reportCmd.Flags().StringVar(&taskID, "task", "", "list policy decisions for a task")
	reportCmd.Flags().StringVar(&handlerID, "handler", "", "list recent action records for a handler")
	reportCmd.Flags().IntVar(&limit, "limit", 100, "maximum records to return")
	return reportCmd
}

func init() {
	rootCmd.AddCommand(newReportCmd())
}

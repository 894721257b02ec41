package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/database"
	"github.com/spf13/cobra"
)

// newHealthCmd creates `threadkeeper health`, used by container health checks.
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the conversation store is reachable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			backend, err := database.Open(ctx, cfg.Database, nil)
			if err != nil {
				return err
			}
			defer backend.Close()

			hs := backend.Status(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			if err := enc.Encode(hs); err != nil {
				return err
			}
			if !hs.Healthy {
				return fmt.Errorf("database unhealthy: %s", hs.Error)
			}
			return nil
		},
	}
}

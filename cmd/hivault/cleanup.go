package main

import (
	"time"

	"github.com/spf13/cobra"

	"hivault/internal/cleanup"
	"hivault/internal/config"
)

func newCleanupCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		retentionDays int
		loop          bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old cached assets and unreferenced blobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				sweepCfg := cleanupConfig(cfg)
				if cmd.Flags().Changed("retention-days") {
					sweepCfg.Retention = time.Duration(retentionDays) * 24 * time.Hour
				}
				sweeper := cleanup.New(a.store, sweepCfg, logger)

				if loop {
					logger.Info().
						Dur("retention", sweeper.Config().Retention).
						Dur("interval", sweeper.Config().Interval).
						Msg("cleanup loop started")
					sweeper.Run(cmd.Context())
					return nil
				}

				result, err := sweeper.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(result)
				}
				_ = writePlain("cutoff: %s\n", formatTime(result.Cutoff))
				_ = writePlain("assets_deleted: %d\n", result.AssetsDeleted)
				_ = writePlain("blobs_deleted: %d\n", result.BlobsDeleted)
				if result.BlobsFailed > 0 {
					_ = writePlain("blobs_failed: %d\n", result.BlobsFailed)
				}
				_ = writePlain("reclaimed_bytes: %d\n", result.ReclaimedBytes)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "override cleanup.retention_days")
	cmd.Flags().BoolVar(&loop, "loop", false, "keep sweeping every cleanup.interval_minutes until interrupted")
	return cmd
}

package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/cache"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/output"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the verification outcome cache",
}

var cacheWriteBackCmd = &cobra.Command{
	Use:   "writeback <job_id>",
	Short: "Store a completed job's fresh outcomes in the cache",
	Long: `Read the final valid, invalid and risky lists of a completed job and
upsert every outcome that was not itself served from the cache.

Upserts are throttled by cache.rate_per_second when set.`,
	Args: cobra.ExactArgs(1),
	RunE: runCacheWriteBack,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheWriteBackCmd)
	cacheWriteBackCmd.Flags().Int("batch-size", 0, "Entries per upsert (default: pipeline.cache_batch_size)")
}

func runCacheWriteBack(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	batch, _ := cmd.Flags().GetInt("batch-size")

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cache == nil {
		return exitError(foundry.ExitInvalidArgument, "Cache disabled", fmt.Errorf("set cache.enabled to use write-back"))
	}

	job, err := a.store.GetJob(ctx, args[0])
	if err != nil {
		return pipelineExit("Failed to load job", err)
	}
	if job.Status != jobstore.JobCompleted {
		return exitError(foundry.ExitInvalidArgument, "Job not completed", fmt.Errorf("job %s is %s", job.ID, job.Status))
	}
	if batch <= 0 {
		batch = a.pipeline.Policy().CacheBatchSize
	}

	res, err := cache.WriteBack(ctx, job, cache.WriteBackOptions{
		Storage:   a.disks,
		Cache:     a.cache,
		Limiter:   a.limiter,
		BatchSize: batch,
		Logger:    a.logger.Named("writeback"),
	})
	if err != nil {
		return pipelineExit("Cache write-back failed", err)
	}

	w, cleanup, err := createWriter(outputPath, job.ID, a.engine())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()
	if err := w.WriteWriteBack(ctx, &output.WriteBackRecord{
		Written:         res.Written,
		SkippedCached:   res.SkippedCached,
		SkippedNoData:   res.SkippedNoData,
		SkippedPromoted: res.SkippedPromoted,
	}); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}

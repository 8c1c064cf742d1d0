package cmd

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/lease"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/output"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/pipeline"
)

var chunkCmd = &cobra.Command{
	Use:   "chunk",
	Short: "Worker protocol: claim, complete and fail chunks",
	Long: `Worker-facing chunk operations.

claim hands out a lease with a claim token; complete and fail must echo the
token back. Repeating complete or fail with the same payload is safe and
reports "replayed".

Examples:
  verifier chunk claim --worker w-1
  verifier chunk complete <chunk_id> --token <t> --valid-key k1 --valid-count 10 ...
  verifier chunk fail <chunk_id> --token <t> --message "smtp pool down" --retryable`,
}

var chunkClaimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Lease the next available chunk",
	Args:  cobra.NoArgs,
	RunE:  runChunkClaim,
}

var chunkCompleteCmd = &cobra.Command{
	Use:   "complete <chunk_id>",
	Short: "Record a worker's result locations and counts",
	Args:  cobra.ExactArgs(1),
	RunE:  runChunkComplete,
}

var chunkFailCmd = &cobra.Command{
	Use:   "fail <chunk_id>",
	Short: "Report a failed chunk attempt",
	Args:  cobra.ExactArgs(1),
	RunE:  runChunkFail,
}

var chunkReclaimCmd = &cobra.Command{
	Use:   "reclaim <chunk_id>",
	Short: "Return a processing chunk to pending without counting an attempt",
	Args:  cobra.ExactArgs(1),
	RunE:  runChunkReclaim,
}

var chunkReclaimExpiredCmd = &cobra.Command{
	Use:   "reclaim-expired",
	Short: "Return every chunk with an expired lease to pending",
	Args:  cobra.NoArgs,
	RunE:  runChunkReclaimExpired,
}

func init() {
	rootCmd.AddCommand(chunkCmd)
	chunkCmd.AddCommand(chunkClaimCmd, chunkCompleteCmd, chunkFailCmd, chunkReclaimCmd, chunkReclaimExpiredCmd)

	chunkClaimCmd.Flags().String("worker", "", "Worker identity recorded on the lease (required)")
	chunkClaimCmd.Flags().Int("lease-seconds", 0, "Lease duration (default: pipeline.lease_seconds)")

	f := chunkCompleteCmd.Flags()
	f.String("token", "", "Claim token from the lease (required)")
	f.String("output-disk", "", "Disk holding the result blobs (default: chunk output disk)")
	f.String("valid-key", "", "Key of the valid results blob")
	f.String("invalid-key", "", "Key of the invalid results blob")
	f.String("risky-key", "", "Key of the risky results blob")
	f.Int("valid-count", 0, "Rows in the valid blob")
	f.Int("invalid-count", 0, "Rows in the invalid blob")
	f.Int("risky-count", 0, "Rows in the risky blob")

	chunkFailCmd.Flags().String("token", "", "Claim token from the lease (required)")
	chunkFailCmd.Flags().String("message", "", "Failure description")
	chunkFailCmd.Flags().Bool("retryable", false, "Requeue the chunk while attempts remain")
}

func runChunkClaim(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	worker, _ := cmd.Flags().GetString("worker")
	leaseSeconds, _ := cmd.Flags().GetInt("lease-seconds")
	if strings.TrimSpace(worker) == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing --worker", fmt.Errorf("worker identity is required"))
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	l, err := a.pipeline.ClaimNext(ctx, a.engine(), worker, leaseSeconds)
	if err != nil {
		return pipelineExit("Failed to claim chunk", err)
	}
	if l == nil {
		a.logger.Info("No chunk available", zap.String("worker_id", worker))
		return nil
	}

	w, cleanup, err := createWriter(outputPath, l.Chunk.JobID, a.engine())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()
	if err := w.WriteLease(ctx, output.NewLeaseRecord(l)); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}

func runChunkComplete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	f := cmd.Flags()
	token, _ := f.GetString("token")
	if strings.TrimSpace(token) == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing --token", fmt.Errorf("claim token is required"))
	}
	var out lease.Outputs
	out.OutputDisk, _ = f.GetString("output-disk")
	out.ValidKey, _ = f.GetString("valid-key")
	out.InvalidKey, _ = f.GetString("invalid-key")
	out.RiskyKey, _ = f.GetString("risky-key")
	out.ValidCount, _ = f.GetInt("valid-count")
	out.InvalidCount, _ = f.GetInt("invalid-count")
	out.RiskyCount, _ = f.GetInt("risky-count")
	if out.ValidCount < 0 || out.InvalidCount < 0 || out.RiskyCount < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid counts", fmt.Errorf("counts must be >= 0"))
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	w, cleanup, err := createWriter(outputPath, "", a.engine())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	report, err := a.pipeline.CompleteChunk(ctx, args[0], token, out)
	return writeReport(cmd, w, args[0], report, err, "Failed to complete chunk")
}

func runChunkFail(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	token, _ := cmd.Flags().GetString("token")
	message, _ := cmd.Flags().GetString("message")
	retryable, _ := cmd.Flags().GetBool("retryable")
	if strings.TrimSpace(token) == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing --token", fmt.Errorf("claim token is required"))
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	w, cleanup, err := createWriter(outputPath, "", a.engine())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	report, err := a.pipeline.FailChunk(ctx, args[0], token, message, retryable)
	return writeReport(cmd, w, args[0], report, err, "Failed to record chunk failure")
}

// writeReport emits whatever part of the report completed, then the error.
func writeReport(cmd *cobra.Command, w *output.JSONLWriter, chunkID string, report *pipeline.ChunkReport, err error, message string) error {
	ctx := cmd.Context()
	if report != nil && report.Chunk != nil {
		if werr := w.WriteReport(ctx, output.NewReportRecord(report)); werr != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", werr)
		}
	}
	if err != nil {
		_ = w.WriteError(ctx, output.NewErrorRecord(chunkID, err))
		return pipelineExit(message, err)
	}
	return nil
}

func runChunkReclaim(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ok, err := a.pipeline.Leases().Reclaim(ctx, args[0])
	if err != nil {
		return pipelineExit("Failed to reclaim chunk", err)
	}
	chunk, err := a.store.GetChunk(ctx, args[0])
	if err != nil {
		return pipelineExit("Failed to load chunk", err)
	}
	if !ok {
		a.logger.Info("Chunk not reclaimed", zap.String("chunk_id", chunk.ID), zap.String("status", chunk.Status.String()))
	}

	w, cleanup, err := createWriter(outputPath, chunk.JobID, a.engine())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()
	if err := w.WriteChunk(ctx, output.NewChunkRecord(chunk)); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}

func runChunkReclaimExpired(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.pipeline.Leases().ReclaimExpired(ctx)
	if err != nil {
		return pipelineExit("Failed to reclaim expired leases", err)
	}

	w, cleanup, err := createWriter(outputPath, "", a.engine())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()
	if err := w.WriteSummary(ctx, &output.SummaryRecord{Reclaimed: n}); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}

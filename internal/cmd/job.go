package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/output"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Create, plan and finalize verification jobs",
	Long: `Manage verification jobs.

A job moves pending -> processing when planned, and processing -> completed
or failed when finalized. Every command writes JSONL records to --output.

Examples:
  verifier job create --upload ./list.csv
  verifier job plan 6f1c...
  verifier job status 6f1c... --chunks
  verifier job finalize 6f1c...`,
}

var jobCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register an uploaded email list as a pending job",
	Args:  cobra.NoArgs,
	RunE:  runJobCreate,
}

var jobPlanCmd = &cobra.Command{
	Use:   "plan <job_id>",
	Short: "Split a job into chunks, serving cached outcomes directly",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobPlan,
}

var jobClaimNextCmd = &cobra.Command{
	Use:   "claim-next",
	Short: "Claim the oldest pending job for planning",
	Args:  cobra.NoArgs,
	RunE:  runJobClaimNext,
}

var jobFinalizeCmd = &cobra.Command{
	Use:   "finalize <job_id>",
	Short: "Merge chunk results into the final lists once every chunk is done",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobFinalize,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show a job and optionally its chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStatus,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs by status",
	Args:  cobra.NoArgs,
	RunE:  runJobList,
}

var jobSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reclaim expired leases and finalize ready jobs once",
	Args:  cobra.NoArgs,
	RunE:  runJobSweep,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobCreateCmd, jobPlanCmd, jobClaimNextCmd, jobFinalizeCmd, jobStatusCmd, jobListCmd, jobSweepCmd)

	f := jobCreateCmd.Flags()
	f.String("disk", "", "Disk holding the input list (default: storage.default_disk)")
	f.String("key", "", "Key of the input list on the disk")
	f.String("upload", "", "Local file to upload as the input list before creating the job")
	f.String("output-disk", "", "Disk receiving chunk and final blobs (default: input disk)")
	f.String("mode", "standard", "Verification mode: standard or enhanced")
	f.Bool("plan", false, "Plan the job immediately after creating it")

	jobClaimNextCmd.Flags().Int("lease-seconds", 0, "Job lease duration (default: pipeline.lease_seconds)")
	jobClaimNextCmd.Flags().Bool("plan", false, "Plan the claimed job immediately")

	jobStatusCmd.Flags().Bool("chunks", false, "Also list the job's chunks")

	jobListCmd.Flags().String("status", "processing", "Job status: pending, processing, completed, failed")
	jobListCmd.Flags().Int("limit", 50, "Maximum jobs to list")
}

func runJobCreate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	disk, _ := cmd.Flags().GetString("disk")
	key, _ := cmd.Flags().GetString("key")
	upload, _ := cmd.Flags().GetString("upload")
	outputDisk, _ := cmd.Flags().GetString("output-disk")
	modeFlag, _ := cmd.Flags().GetString("mode")
	plan, _ := cmd.Flags().GetBool("plan")

	mode, err := jobstore.ParseVerificationMode(modeFlag)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --mode value", err)
	}
	if strings.TrimSpace(key) == "" && upload == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing input", fmt.Errorf("one of --key or --upload is required"))
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if disk == "" {
		disk = a.disks.DefaultDisk()
	}

	if upload != "" {
		data, err := os.ReadFile(upload)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to read upload", err)
		}
		if key == "" {
			key = "uploads/" + uuid.NewString() + "/" + filepath.Base(upload)
		}
		if err := a.disks.Put(ctx, disk, key, data); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to upload input list", err)
		}
	} else {
		ok, err := a.disks.Exists(ctx, disk, key)
		if err != nil {
			return pipelineExit("Failed to check input list", err)
		}
		if !ok {
			return exitError(foundry.ExitFileNotFound, "Input list not found", fmt.Errorf("%s:%s", disk, key))
		}
	}

	job := &jobstore.Job{
		VerificationMode: mode,
		InputDisk:        disk,
		InputKey:         key,
		OutputDisk:       outputDisk,
	}
	if err := a.store.CreateJob(ctx, job); err != nil {
		return pipelineExit("Failed to create job", err)
	}
	a.logger.Info("Job created", zap.String("job_id", job.ID), zap.String("input_disk", disk), zap.String("input_key", key))

	w, cleanup, err := createWriter(outputPath, job.ID, a.engine())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	if plan {
		res, err := a.pipeline.PlanJob(ctx, job.ID)
		if err != nil {
			return pipelineExit("Failed to plan job", err)
		}
		if err := w.WritePlan(ctx, output.NewPlanRecord(res)); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
		if job, err = a.store.GetJob(ctx, job.ID); err != nil {
			return pipelineExit("Failed to reload job", err)
		}
	}
	if err := w.WriteJob(ctx, output.NewJobRecord(job)); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}

func runJobPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	w, cleanup, err := createWriter(outputPath, args[0], a.engine())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	res, err := a.pipeline.PlanJob(ctx, args[0])
	if err != nil {
		_ = w.WriteError(ctx, output.NewErrorRecord("", err))
		return pipelineExit("Failed to plan job", err)
	}
	if err := w.WritePlan(ctx, output.NewPlanRecord(res)); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	for _, c := range res.Chunks {
		if err := w.WriteChunk(ctx, output.NewChunkRecord(c)); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}
	return nil
}

func runJobClaimNext(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	leaseSeconds, _ := cmd.Flags().GetInt("lease-seconds")
	plan, _ := cmd.Flags().GetBool("plan")

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if leaseSeconds <= 0 {
		leaseSeconds = a.pipeline.Policy().LeaseSeconds
	}
	jl, err := a.pipeline.Leases().ClaimNextJob(ctx, a.engine(), leaseSeconds)
	if err != nil {
		return pipelineExit("Failed to claim job", err)
	}
	if jl == nil {
		a.logger.Info("No pending job available")
		return nil
	}

	w, cleanup, err := createWriter(outputPath, jl.Job.ID, a.engine())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	if err := w.WriteJobLease(ctx, output.NewJobLeaseRecord(jl)); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	if !plan {
		return nil
	}
	res, err := a.pipeline.PlanJob(ctx, jl.Job.ID)
	if err != nil {
		_ = w.WriteError(ctx, output.NewErrorRecord("", err))
		return pipelineExit("Failed to plan job", err)
	}
	if err := w.WritePlan(ctx, output.NewPlanRecord(res)); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}

func runJobFinalize(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	w, cleanup, err := createWriter(outputPath, args[0], a.engine())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	res, err := a.pipeline.Finalize(ctx, args[0])
	if err != nil {
		_ = w.WriteError(ctx, output.NewErrorRecord("", err))
		return pipelineExit("Failed to finalize job", err)
	}
	if err := w.WriteFinalize(ctx, output.NewFinalizeRecord(res)); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	withChunks, _ := cmd.Flags().GetBool("chunks")

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.store.GetJob(ctx, args[0])
	if err != nil {
		return pipelineExit("Failed to load job", err)
	}

	w, cleanup, err := createWriter(outputPath, job.ID, a.engine())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	if err := w.WriteJob(ctx, output.NewJobRecord(job)); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	if !withChunks {
		return nil
	}
	chunks, err := a.store.GetChunks(ctx, job.ID)
	if err != nil {
		return pipelineExit("Failed to load chunks", err)
	}
	for i := range chunks {
		if err := w.WriteChunk(ctx, output.NewChunkRecord(&chunks[i])); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}
	return nil
}

func runJobList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	statusFlag, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	status := jobstore.JobStatus(strings.ToLower(strings.TrimSpace(statusFlag)))
	switch status {
	case jobstore.JobPending, jobstore.JobProcessing, jobstore.JobCompleted, jobstore.JobFailed:
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --status value", fmt.Errorf("unknown status %q", statusFlag))
	}
	if limit < 1 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --limit value", fmt.Errorf("limit must be >= 1"))
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := a.store.ListJobs(ctx, status, limit)
	if err != nil {
		return pipelineExit("Failed to list jobs", err)
	}

	w, cleanup, err := createWriter(outputPath, "", a.engine())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	for i := range jobs {
		if err := w.WriteJob(ctx, output.NewJobRecord(&jobs[i])); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}
	return nil
}

func runJobSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.pipeline.Sweep(ctx)
	if err != nil {
		return pipelineExit("Sweep failed", err)
	}

	w, cleanup, err := createWriter(outputPath, "", a.engine())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()
	if err := w.WriteSummary(ctx, output.NewSummaryRecord(res)); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}

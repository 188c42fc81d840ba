package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/promptops/cursord/internal/history"
	"github.com/promptops/cursord/internal/log"
	"github.com/promptops/cursord/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Run a single job from the command line",
	Long: `Run one job without starting the HTTP server. The prompt is taken from
the remaining arguments. With --iterate the review-and-resume loop applies;
otherwise the worker runs exactly once.

Example:
  cursord run --repo myapp "add a healthcheck endpoint"
  cursord run --repo myapp --iterate --max-iterations 3 "fix the failing tests"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runJob,
}

var (
	runRepo          string
	runConversation  string
	runDone          string
	runIterate       bool
	runMaxIterations int
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runRepo, "repo", "", "Repository name under the repositories root")
	runCmd.Flags().StringVar(&runConversation, "conversation", "", "Continue an existing conversation")
	runCmd.Flags().StringVar(&runDone, "done", "", "Definition of done for the reviewer")
	runCmd.Flags().BoolVar(&runIterate, "iterate", false, "Iterate with review until completion")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", -1, "Iteration bound (overrides config; 0 skips review)")
}

func runJob(cmd *cobra.Command, args []string) error {
	cleanup, err := initLogging()
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := buildStack(cfg, nil)
	if err != nil {
		return err
	}
	defer s.close()

	job := orchestrator.Job{
		Prompt:           strings.Join(args, " "),
		Repository:       runRepo,
		ConversationID:   runConversation,
		DefinitionOfDone: runDone,
	}
	if runMaxIterations >= 0 {
		job.MaxIterations = &runMaxIterations
	}

	ctx := cmd.Context()

	var res orchestrator.Result
	mode := history.ModeExecute
	if runIterate {
		mode = history.ModeIterate
		res, err = s.orch.IterateToCompletion(ctx, job)
	} else {
		res, err = s.orch.ExecuteOnce(ctx, job)
	}
	if err != nil {
		var reqErr *orchestrator.RequestError
		if errors.As(err, &reqErr) {
			return errors.New(reqErr.Message)
		}
		return err
	}

	if s.jobs != nil {
		if recErr := s.jobs.Record(ctx, mode, job, res); recErr != nil {
			log.Warn(log.CatDB, "job history write failed", "requestId", res.RequestID, "error", recErr)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}

	if !res.Success {
		if res.Error != "" {
			return fmt.Errorf("job did not complete: %s", res.Error)
		}
		return errors.New("job did not complete")
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/resolver"
)

var (
	batchProject        int64
	batchCommit         string
	batchDocument       string
	batchDataset        int64
	batchEvaluationUUID string
	batchEvaluationID   int64
	batchParams         []string
	batchFrom           int
	batchTo             int
	batchID             string
)

func init() {
	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Submit and inspect batch evaluations",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a batch evaluation",
		Long: `Run enqueues a batch evaluation of a document over a dataset. Workers
pick it up; use "batch progress" or "watch" to follow it.

Parameters map document placeholders onto dataset columns:
  --param question=0 --param context=2`,
		RunE: runBatchRun,
	}
	f := runCmd.Flags()
	f.Int64Var(&batchProject, "project", 0, "project id")
	f.StringVar(&batchCommit, "commit", resolver.HeadSentinel, "commit uuid, or live for the latest merge")
	f.StringVar(&batchDocument, "document", "", "document uuid")
	f.Int64Var(&batchDataset, "dataset", 0, "dataset id")
	f.StringVar(&batchEvaluationUUID, "evaluation", "", "evaluation uuid")
	f.Int64Var(&batchEvaluationID, "legacy-evaluation", 0, "legacy evaluation id")
	f.StringArrayVar(&batchParams, "param", nil, "parameter=column mapping, repeatable")
	f.IntVar(&batchFrom, "from", 0, "first row to evaluate, 1-based")
	f.IntVar(&batchTo, "to", 0, "last row to evaluate, inclusive")
	f.StringVar(&batchID, "id", "", "batch id (generated when empty)")
	runCmd.MarkFlagsMutuallyExclusive("evaluation", "legacy-evaluation")
	batchCmd.AddCommand(runCmd)

	batchCmd.AddCommand(&cobra.Command{
		Use:   "progress BATCH_ID",
		Short: "Print a batch's counters",
		Args:  cobra.ExactArgs(1),
		RunE:  runBatchProgress,
	})

	batchCmd.AddCommand(&cobra.Command{
		Use:   "cleanup BATCH_ID",
		Short: "Delete a batch's counters",
		Args:  cobra.ExactArgs(1),
		RunE:  runBatchCleanup,
	})

	rootCmd.AddCommand(batchCmd)
}

// parseParams turns name=column pairs into a parameter map
func parseParams(pairs []string) (map[string]int, error) {
	m := make(map[string]int, len(pairs))
	for _, p := range pairs {
		name, col, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("parameter %q: want name=column", p)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(col))
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("parameter %q: column must be a non-negative integer", p)
		}
		if _, dup := m[name]; dup {
			return nil, fmt.Errorf("parameter %q given twice", name)
		}
		m[name] = idx
	}
	return m, nil
}

func batchJobFromFlags() (domain.BatchJob, error) {
	params, err := parseParams(batchParams)
	if err != nil {
		return domain.BatchJob{}, err
	}
	ref := domain.RefV2(batchEvaluationUUID)
	if batchEvaluationID != 0 {
		ref = domain.RefV1(batchEvaluationID)
	}
	job := domain.BatchJob{
		BatchID:       batchID,
		ProjectID:     batchProject,
		CommitUUID:    batchCommit,
		DocumentUUID:  batchDocument,
		DatasetID:     batchDataset,
		Evaluation:    ref,
		ParametersMap: params,
		Range:         domain.LineRange{FromLine: batchFrom, ToLine: batchTo},
	}
	return job, nil
}

func runBatchRun(cmd *cobra.Command, args []string) error {
	job, err := batchJobFromFlags()
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.submit(context.Background(), job)
	if err != nil {
		return err
	}
	fmt.Printf("Submitted batch %s\n", id)
	return nil
}

func runBatchProgress(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.progress.Get(context.Background(), args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

func runBatchCleanup(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.progress.Cleanup(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed progress of batch %s\n", args[0])
	return nil
}

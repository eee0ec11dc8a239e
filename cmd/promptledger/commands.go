package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/prompt-ledger/internal/resolver"
	"github.com/hochfrequenz/prompt-ledger/internal/storage"
)

var resolveDocument string

func init() {
	// migrate command
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE:  runMigrate,
	}
	rootCmd.AddCommand(migrateCmd)

	// merge command
	mergeCmd := &cobra.Command{
		Use:   "merge COMMIT_ID",
		Short: "Merge a draft commit",
		Args:  cobra.ExactArgs(1),
		RunE:  runMerge,
	}
	rootCmd.AddCommand(mergeCmd)

	// resolve command
	resolveCmd := &cobra.Command{
		Use:   "resolve PROJECT_ID [COMMIT_UUID]",
		Short: "List documents, or one document's evaluations, as of a commit",
		Long: `Resolve prints the documents visible at a commit. COMMIT_UUID defaults
to "live", the project's latest merged commit. With --document it prints
that document's evaluations instead.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runResolve,
	}
	resolveCmd.Flags().StringVar(&resolveDocument, "document", "", "document uuid whose evaluations to list")
	rootCmd.AddCommand(resolveCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	// Open applies pending migrations
	db, err := storage.Open(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	v, err := storage.SchemaVersion(db)
	if err != nil {
		return err
	}
	fmt.Printf("Database %s at schema version %d\n", cfg.General.DatabasePath, v)
	return nil
}

func runMerge(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid commit id %q", args[0])
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.versions.Merge(context.Background(), id)
	if err != nil {
		return err
	}
	fmt.Printf("Merged commit %d (%s) as version %d\n", c.ID, c.UUID, *c.Version)
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	projectID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid project id %q", args[0])
	}
	commitUUID := resolver.HeadSentinel
	if len(args) == 2 {
		commitUUID = args[1]
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if resolveDocument != "" {
		c, err := a.resolver.ResolveCommit(ctx, projectID, commitUUID)
		if err != nil {
			return err
		}
		evals, err := a.resolver.EvaluationsForDocument(ctx, c, resolveDocument)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "EVALUATION\tNAME\tCOMMIT\tCONFIGURATION")
		for _, e := range evals {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", e.EvaluationUUID, e.Name, e.CommitID, e.Configuration)
		}
		return nil
	}

	docs, err := a.resolver.DocumentsAtCommit(ctx, projectID, commitUUID)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "DOCUMENT\tPATH\tCOMMIT\tUPDATED")
	for _, d := range docs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.DocumentUUID, d.Path, d.CommitID, d.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

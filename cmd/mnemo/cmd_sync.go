package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mnemo/internal/ingest"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

var (
	syncFull        bool
	syncIncremental bool
	syncDatabases   string
	syncDryRun      bool
	syncParallel    bool

	ankiPushDryRun   bool
	ankiPushMinGrade string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync content with external sources",
}

var syncNotionCmd = &cobra.Command{
	Use:   "notion",
	Short: "Pull Notion databases into the staging store",
	Long: `Pulls configured Notion databases into staging. Incremental by
default: only pages edited since the per-collection watermark are fetched.
A full sync re-reads everything and tombstones records missing at the source.`,
	RunE: runSyncNotion,
}

var syncAnkiPullCmd = &cobra.Command{
	Use:   "anki-pull",
	Short: "Import notes from the Anki deck as atoms",
	RunE:  runAnkiPull,
}

var syncAnkiPushCmd = &cobra.Command{
	Use:   "anki-push",
	Short: "Export quality-gated atoms to the Anki deck",
	RunE:  runAnkiPush,
}

var syncAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Notion pull, then Anki pull",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runSyncNotion(cmd, nil); err != nil {
			return err
		}
		return runAnkiPull(cmd, nil)
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show the latest (or a specific) sync run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSyncStatus,
}

func init() {
	syncNotionCmd.Flags().BoolVar(&syncFull, "full", false, "full sync (re-read everything, tombstone missing)")
	syncNotionCmd.Flags().BoolVar(&syncIncremental, "incremental", false, "incremental sync (default)")
	syncNotionCmd.Flags().StringVar(&syncDatabases, "database", "", "comma-separated collection names (default: all)")
	syncNotionCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "pull and count without writing")
	syncNotionCmd.Flags().BoolVar(&syncParallel, "parallel", false, "sync collections in parallel")

	syncAnkiPushCmd.Flags().BoolVar(&ankiPushDryRun, "dry-run", false, "count without writing to Anki")
	syncAnkiPushCmd.Flags().StringVar(&ankiPushMinGrade, "min-quality", "B", "minimum quality grade to export")

	syncCmd.AddCommand(syncNotionCmd, syncAnkiPullCmd, syncAnkiPushCmd, syncAllCmd, syncStatusCmd)
}

func runSyncNotion(cmd *cobra.Command, args []string) error {
	if syncFull && syncIncremental {
		return fmt.Errorf("%w: --full and --incremental are mutually exclusive", errUsage)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.syncEngine()
	if err != nil {
		return err
	}

	mode := types.SyncIncremental
	if syncFull {
		mode = types.SyncFull
	}
	var collections []string
	if syncDatabases != "" {
		for _, c := range strings.Split(syncDatabases, ",") {
			collections = append(collections, strings.TrimSpace(c))
		}
	}
	scfg := a.cfg.GetSync()
	dryRun := syncDryRun || scfg.DryRun

	logger.Info("starting notion sync",
		zap.String("mode", string(mode)), zap.Bool("dry_run", dryRun))

	run, err := engine.Sync(cmd.Context(), ingest.Options{
		Mode:        mode,
		Collections: collections,
		Parallel:    syncParallel || scfg.Parallel,
		DryRun:      dryRun,
		BatchSize:   scfg.BatchSize,
	})
	if run != nil {
		fmt.Println(renderRunSummary("Notion sync", run))
	}
	return err
}

func runAnkiPull(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	importer := ingest.NewAnkiImporter(a.store, a.anki, a.cfg.GetAnki().Deck)
	created, updated, err := importer.Pull(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Anki pull: %d created, %d updated\n", created, updated)
	return nil
}

func runAnkiPush(cmd *cobra.Command, args []string) error {
	grade := types.Grade(strings.ToUpper(ankiPushMinGrade))
	switch grade {
	case types.GradeA, types.GradeB, types.GradeC, types.GradeD, types.GradeF:
	default:
		return fmt.Errorf("%w: invalid grade %q (A/B/C/D/F)", errUsage, ankiPushMinGrade)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	importer := ingest.NewAnkiImporter(a.store, a.anki, a.cfg.GetAnki().Deck)
	added, changed, err := importer.Push(cmd.Context(), grade, ankiPushDryRun)
	if err != nil {
		return err
	}
	if ankiPushDryRun {
		fmt.Printf("Anki push (dry run): %d atoms would export\n", added)
	} else {
		fmt.Printf("Anki push: %d added, %d updated\n", added, changed)
	}
	return nil
}

func runSyncStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var run *types.SyncRun
	if len(args) == 1 {
		run, err = a.store.GetRun(args[0])
	} else {
		run, err = a.store.LatestRun(store.RunKindSync)
	}
	if err != nil {
		return err
	}
	fmt.Println(renderRunDetail(run))
	return nil
}

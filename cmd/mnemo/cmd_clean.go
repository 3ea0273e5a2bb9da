package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mnemo/internal/dedup"
	"mnemo/internal/pipeline"
	"mnemo/internal/quality"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

var (
	cleanRewrite  bool
	cleanMinGrade string
	cleanDryRun   bool
	cleanResume   bool

	checkLimit int

	dupThreshold float64
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Run the cleaning pipeline over staged and canonical content",
}

var cleanRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Transform, grade, deduplicate, and optionally enqueue rewrites",
	RunE:  runClean,
}

var cleanCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Preview quality grades without persisting anything",
	RunE:  runCleanCheck,
}

var cleanDuplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "Detect duplicate atoms and list open groups",
	RunE:  runCleanDuplicates,
}

func init() {
	cleanRunCmd.Flags().BoolVar(&cleanRewrite, "rewrite", false, "enqueue AI rewrite suggestions for low-grade atoms")
	cleanRunCmd.Flags().StringVar(&cleanMinGrade, "min-grade", "C", "grade below which atoms are flagged for rewrite")
	cleanRunCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "analyze only, persist nothing")
	cleanRunCmd.Flags().BoolVar(&cleanResume, "resume", false, "continue the latest unfinished run")

	cleanCheckCmd.Flags().IntVar(&checkLimit, "limit", 20, "how many worst atoms to list")

	cleanDuplicatesCmd.Flags().Float64Var(&dupThreshold, "threshold", 0.85, "fuzzy similarity threshold")

	cleanCmd.AddCommand(cleanRunCmd, cleanCheckCmd, cleanDuplicatesCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	grade := types.Grade(strings.ToUpper(cleanMinGrade))
	switch grade {
	case types.GradeA, types.GradeB, types.GradeC, types.GradeD, types.GradeF:
	default:
		return fmt.Errorf("%w: invalid grade %q (A/B/C/D/F)", errUsage, cleanMinGrade)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := a.pipelineRunner()
	if err != nil {
		return err
	}

	summary, err := runner.Run(cmd.Context(), pipeline.Options{
		EnableRewrite: cleanRewrite,
		MinGrade:      grade,
		DryRun:        cleanDryRun,
		Resume:        cleanResume,
	})
	if summary != nil {
		fmt.Println(renderPipelineSummary(summary))
	}
	return err
}

// runCleanCheck grades every atom in memory and prints the worst offenders.
func runCleanCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	atoms, err := a.store.ListAtoms(store.AtomFilter{ExcludeSuperseded: true})
	if err != nil {
		return err
	}
	analyzer := quality.New(a.cfg.GetQuality())

	type graded struct {
		atom   types.Atom
		report quality.Report
	}
	var worst []graded
	dist := map[types.Grade]int{}
	for _, atom := range atoms {
		report := analyzer.Analyze(atom.Front, atom.Back, atom.Type)
		dist[report.Grade]++
		if !report.Grade.AtLeast(types.GradeC) {
			worst = append(worst, graded{atom: atom, report: report})
		}
	}

	fmt.Printf("Checked %d atoms: ", len(atoms))
	for _, g := range []types.Grade{types.GradeA, types.GradeB, types.GradeC, types.GradeD, types.GradeF} {
		if dist[g] > 0 {
			fmt.Printf("%s=%d ", g, dist[g])
		}
	}
	fmt.Println()

	if len(worst) == 0 {
		fmt.Println("No atoms below C.")
		return nil
	}
	rows := make([][]string, 0, len(worst))
	for i, g := range worst {
		if i == checkLimit {
			break
		}
		rows = append(rows, []string{
			shortID(g.atom.ID),
			string(g.report.Grade),
			fmt.Sprintf("%d", g.report.Score),
			truncate(g.atom.Front, 48),
			issueSummary(g.report.Issues),
		})
	}
	fmt.Println(renderTable([]string{"ATOM", "GRADE", "SCORE", "FRONT", "ISSUES"}, rows))
	return nil
}

func runCleanDuplicates(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	detector := dedup.New(a.store, a.embedder())
	groups, err := detector.Run(cmd.Context(), dedup.Options{
		FuzzyThreshold: dupThreshold,
		Semantic:       a.llm != nil,
	})
	if err != nil {
		return err
	}

	open, err := a.store.ListDuplicateGroups(false)
	if err != nil {
		return err
	}
	fmt.Printf("Detected %d new groups, %d open in total\n", len(groups), len(open))
	if len(open) == 0 {
		return nil
	}

	rows := make([][]string, 0, len(open))
	for _, g := range open {
		rows = append(rows, []string{
			shortID(g.ID),
			string(g.Method),
			fmt.Sprintf("%.2f", g.Similarity),
			fmt.Sprintf("%d", len(g.AtomIDs)),
		})
	}
	fmt.Println(renderTable([]string{"GROUP", "METHOD", "SIMILARITY", "ATOMS"}, rows))
	return nil
}

func issueSummary(issues []types.IssueKind) string {
	if len(issues) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(issues))
	for _, i := range issues {
		parts = append(parts, strings.ToLower(string(i)))
	}
	return truncate(strings.Join(parts, ","), 40)
}

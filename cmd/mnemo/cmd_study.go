package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mnemo/internal/curriculum"
	"mnemo/internal/diagnosis"
	"mnemo/internal/mastery"
	"mnemo/internal/scheduler"
	"mnemo/internal/session"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

var (
	studySize   int
	studyWar    bool
	studyResume bool
)

var studyCmd = &cobra.Command{
	Use:   "study",
	Short: "Study sessions, mastery views and remediation",
}

var studyTodayCmd = &cobra.Command{
	Use:   "today",
	Short: "What is due today",
	RunE:  runStudyToday,
}

var studyStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start an interactive study session",
	RunE:  runStudyStart,
}

var studyPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the curriculum with per-section mastery",
	RunE:  runStudyPath,
}

var studyModuleCmd = &cobra.Command{
	Use:   "module <section-id>",
	Short: "Show one section's mastery detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runStudyModule,
}

var studyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Overall study statistics",
	RunE:  runStudyStats,
}

var studySyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Recompute section mastery and struggle signals",
	RunE:  runStudySync,
}

var studyRemediationCmd = &cobra.Command{
	Use:   "remediation",
	Short: "Sections flagged for remediation",
	RunE:  runStudyRemediation,
}

func init() {
	studyStartCmd.Flags().IntVar(&studySize, "size", 0, "session size (default: configured)")
	studyStartCmd.Flags().BoolVar(&studyWar, "war", false, "weakness-first session, quotas bypassed")
	studyStartCmd.Flags().BoolVar(&studyResume, "resume", false, "resume the last interrupted session")

	studyCmd.AddCommand(studyTodayCmd, studyStartCmd, studyPathCmd, studyModuleCmd,
		studyStatsCmd, studySyncCmd, studyRemediationCmd)
}

func runStudyToday(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	due, err := a.store.DueAtoms(time.Now(), 0)
	if err != nil {
		return err
	}
	struggles, err := a.store.ListStruggles()
	if err != nil {
		return err
	}

	fresh := 0
	overdue := 0
	for _, atom := range due {
		if atom.FSRS.ReviewCount == 0 {
			fresh++
		} else {
			overdue++
		}
	}
	remediating := 0
	for _, s := range struggles {
		if s.NeedsRemediation {
			remediating++
		}
	}

	fmt.Println(renderTable([]string{"DUE REVIEWS", "NEW ATOMS", "STRUGGLING SECTIONS"},
		[][]string{{fmt.Sprintf("%d", overdue), fmt.Sprintf("%d", fresh), fmt.Sprintf("%d", remediating)}}))
	if overdue+fresh > 0 {
		fmt.Println("Run 'mnemo study start' to begin.")
	}
	return nil
}

// =============================================================================
// INTERACTIVE SESSION
// =============================================================================

func runStudyStart(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	studyCfg := a.cfg.GetStudy()
	sched := scheduler.New(a.store, studyCfg.TargetRetention)
	diag := diagnosis.NewEngine(a.store)
	cur, err := curriculum.Load(a.store)
	if err != nil {
		return err
	}

	var runner *session.Runner
	if studyResume {
		runner, err = session.Resume(a.store, sched, diag, cur, studyCfg.AutosaveEvery)
		if err != nil {
			return fmt.Errorf("nothing to resume: %w", err)
		}
	} else {
		pool, err := a.store.ListAtoms(store.AtomFilter{ExcludeSuperseded: true})
		if err != nil {
			return err
		}
		struggles, err := a.store.ListStruggles()
		if err != nil {
			return err
		}
		persona, err := a.store.GetPersona()
		if err != nil {
			return err
		}

		queue := session.NewInterleaver(studyCfg).Build(pool, struggles, persona, session.BuildOptions{
			Size: studySize,
			War:  studyWar,
		})
		if len(queue) == 0 {
			fmt.Println("Nothing to study right now.")
			return nil
		}
		runner = session.NewRunner(a.store, sched, diag, cur, queue, studyCfg.AutosaveEvery)
	}

	return runREPL(cmd, runner)
}

// runREPL drives the prompt loop: show front, reveal on Enter, read the
// self-graded outcome, report the diagnosis.
func runREPL(cmd *cobra.Command, runner *session.Runner) error {
	answers := make(chan session.Answer)
	outcomes := runner.Run(cmd.Context(), answers)
	scanner := bufio.NewScanner(os.Stdin)

	total := runner.Remaining()
	fmt.Println(renderSessionHeader(runner.SessionID(), total))

	for {
		atom := runner.Current()
		if atom == nil {
			break
		}
		position := total - runner.Remaining() + 1

		fmt.Println(renderCardFront(atom, position, total))
		fmt.Print("  [Enter] reveal, [h] hint first, [q] quit: ")
		shown := time.Now()
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(strings.ToLower(scanner.Text()))
		if input == "q" {
			break
		}
		hintUsed := input == "h"
		if hintUsed {
			fmt.Println(renderHint(atom))
			fmt.Print("  [Enter] reveal: ")
			if !scanner.Scan() {
				break
			}
		}
		elapsed := time.Since(shown)

		fmt.Println(renderCardBack(atom))
		fmt.Print("  Did you get it right? [y/n]: ")
		if !scanner.Scan() {
			break
		}
		correct := strings.TrimSpace(strings.ToLower(scanner.Text())) == "y"

		answers <- session.Answer{
			AtomID:         atom.ID,
			IsCorrect:      correct,
			ResponseTimeMs: int(elapsed.Milliseconds()),
			HintUsed:       hintUsed,
		}
		outcome, ok := <-outcomes
		if !ok {
			break
		}
		if outcome.Err != nil {
			close(answers)
			return outcome.Err
		}
		fmt.Println(renderOutcome(outcome))
	}

	close(answers)
	for range outcomes {
		// drain so the runner's final autosave completes
	}
	fmt.Printf("\nSession saved (%d cards left).\n", runner.Remaining())
	return nil
}

// =============================================================================
// MASTERY VIEWS
// =============================================================================

func runStudyPath(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cur, err := curriculum.Load(a.store)
	if err != nil {
		return err
	}
	masteryRows, err := a.store.ListMastery()
	if err != nil {
		return err
	}
	byID := make(map[string]types.SectionMastery, len(masteryRows))
	for _, m := range masteryRows {
		byID[m.SectionID] = m
	}

	var rows [][]string
	var walk func(id string, depth int)
	walk = func(id string, depth int) {
		s := cur.Section(id)
		if s == nil {
			return
		}
		m := byID[id]
		rows = append(rows, []string{
			strings.Repeat("  ", depth) + s.Title,
			fmt.Sprintf("%d", m.AtomCount),
			fmt.Sprintf("%d", m.AtomsMastered),
			fmt.Sprintf("%d", m.AtomsStruggling),
			fmt.Sprintf("%.0f%%", m.AvgRetrievability*100),
		})
		for _, child := range cur.Children(id) {
			walk(child, depth+1)
		}
	}
	for _, root := range cur.Roots() {
		walk(root, 0)
	}

	if len(rows) == 0 {
		fmt.Println("No curriculum synced yet.")
		return nil
	}
	fmt.Println(renderTable([]string{"SECTION", "ATOMS", "MASTERED", "STRUGGLING", "RETENTION"}, rows))
	return nil
}

func runStudyModule(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	section, err := a.store.GetSection(args[0])
	if err != nil {
		return err
	}
	masteryRows, err := a.store.ListMastery()
	if err != nil {
		return err
	}
	for _, m := range masteryRows {
		if m.SectionID == section.ID {
			fmt.Println(renderSectionMastery(section, m))
			return nil
		}
	}
	fmt.Printf("%s: no mastery computed yet (run 'mnemo study sync')\n", section.Title)
	return nil
}

func runStudyStats(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.store.Stats()
	if err != nil {
		return err
	}
	persona, err := a.store.GetPersona()
	if err != nil {
		return err
	}

	fmt.Println(renderStats(stats, persona))
	return nil
}

func runStudySync(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	rollups, struggles, err := mastery.New(a.store).Rebuild(cmd.Context())
	if err != nil {
		return err
	}
	flagged := 0
	for _, s := range struggles {
		if s.NeedsRemediation {
			flagged++
		}
	}
	fmt.Printf("Mastery recomputed: %d sections, %d flagged for remediation\n", len(rollups), flagged)
	return nil
}

func runStudyRemediation(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	struggles, err := a.store.ListStruggles()
	if err != nil {
		return err
	}

	var rows [][]string
	for _, s := range struggles {
		if !s.NeedsRemediation {
			continue
		}
		rows = append(rows, []string{
			s.SectionID,
			s.Reason,
			fmt.Sprintf("%.0f%%", s.AvgRetrievability*100),
			fmt.Sprintf("%.1f", s.AvgLapses),
			fmt.Sprintf("%.0f%%", s.MCQAccuracy*100),
		})
	}
	if len(rows) == 0 {
		fmt.Println("No sections need remediation.")
		return nil
	}
	fmt.Println(renderTable([]string{"SECTION", "REASON", "RETENTION", "AVG LAPSES", "MCQ"}, rows))
	return nil
}

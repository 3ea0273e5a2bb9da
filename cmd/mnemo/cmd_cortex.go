package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mnemo/internal/cortex"
)

var (
	optimizeModules string
	optimizePlan    bool
	optimizeBudget  int

	readSection string
)

var cortexCmd = &cobra.Command{
	Use:   "cortex",
	Short: "Study planning and content reading",
}

var cortexOptimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Build today's study plan from mastery state",
	RunE:  runCortexOptimize,
}

var cortexSuggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Top-3 suggestions for what to study next",
	RunE:  runCortexSuggest,
}

var cortexReadCmd = &cobra.Command{
	Use:   "read <module>",
	Short: "Render synced section content as markdown",
	Args:  cobra.ExactArgs(1),
	RunE:  runCortexRead,
}

func init() {
	cortexOptimizeCmd.Flags().StringVar(&optimizeModules, "modules", "", "comma-separated section ids to restrict the plan to")
	cortexOptimizeCmd.Flags().BoolVar(&optimizePlan, "plan", false, "print the full allocation table")
	cortexOptimizeCmd.Flags().IntVar(&optimizeBudget, "budget", 0, "daily atom budget (default 60)")

	cortexReadCmd.Flags().StringVar(&readSection, "section", "", "read a single section instead of the whole module")

	cortexCmd.AddCommand(cortexOptimizeCmd, cortexSuggestCmd, cortexReadCmd)
}

func runCortexOptimize(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var modules []string
	if optimizeModules != "" {
		for _, m := range strings.Split(optimizeModules, ",") {
			modules = append(modules, strings.TrimSpace(m))
		}
	}

	plan, err := cortex.New(a.store).Optimize(modules, optimizeBudget)
	if err != nil {
		return err
	}
	if len(plan.Items) == 0 {
		fmt.Println("Nothing to plan; sync content and run 'mnemo study sync' first.")
		return nil
	}

	allocated := 0
	for _, item := range plan.Items {
		allocated += item.Atoms
	}
	fmt.Printf("Plan for %s: %d atoms across %d sections\n",
		plan.Date.Format("2006-01-02"), allocated, len(plan.Items))

	if optimizePlan {
		rows := make([][]string, 0, len(plan.Items))
		for _, item := range plan.Items {
			rows = append(rows, []string{
				item.Title,
				fmt.Sprintf("%d", item.Atoms),
				fmt.Sprintf("%d", item.DueAtoms),
				fmt.Sprintf("%.2f", item.RemediationScore),
				item.Reason,
			})
		}
		fmt.Println(renderTable([]string{"SECTION", "ATOMS", "DUE", "SCORE", "REASON"}, rows))
	}
	return nil
}

func runCortexSuggest(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	suggestions, err := cortex.New(a.store).Suggest()
	if err != nil {
		return err
	}
	if len(suggestions) == 0 {
		fmt.Println("No suggestions yet; study some content first.")
		return nil
	}
	for i, s := range suggestions {
		title := s.Title
		if title == "" {
			title = s.SectionID
		}
		fmt.Printf("%d. %s — %s\n", i+1, title, s.Reason)
	}
	return nil
}

func runCortexRead(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := cortex.New(a.store).Read(args[0], readSection, 0)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

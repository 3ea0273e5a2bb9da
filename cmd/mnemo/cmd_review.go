package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mnemo/internal/types"
)

var (
	reviewStatusFilter  string
	rejectReason        string
	editFront, editBack string
	autoApprove         bool
	minImprovement      int
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the AI-rewrite review queue",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review queue items",
	RunE:  runReviewList,
}

var reviewShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one review item in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewShow,
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve [id]",
	Short: "Approve a suggestion (or batch with --auto-approve)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReviewApprove,
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a suggestion with a reason",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewReject,
}

var reviewEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Replace a suggestion's content before approval",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewEdit,
}

func init() {
	reviewListCmd.Flags().StringVar(&reviewStatusFilter, "status", "pending", "filter by status (pending/approved/rejected/edited/error, empty = all)")

	reviewApproveCmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "batch-approve improve suggestions above the improvement floor")
	reviewApproveCmd.Flags().IntVar(&minImprovement, "min-improvement", 20, "minimum estimated score improvement for --auto-approve")

	reviewRejectCmd.Flags().StringVar(&rejectReason, "reason", "", "why the suggestion is rejected (required)")
	_ = reviewRejectCmd.MarkFlagRequired("reason")

	reviewEditCmd.Flags().StringVar(&editFront, "front", "", "edited front")
	reviewEditCmd.Flags().StringVar(&editBack, "back", "", "edited back")

	reviewCmd.AddCommand(reviewListCmd, reviewShowCmd, reviewApproveCmd, reviewRejectCmd, reviewEditCmd)
}

func runReviewList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	items, err := a.store.ListReviewItems(types.ReviewStatus(reviewStatusFilter), 0)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("Review queue is empty.")
		return nil
	}

	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			shortID(item.ID),
			string(item.RewriteType),
			string(item.OriginalGrade),
			string(item.EstimatedNewGrade),
			string(item.Status),
			shortID(item.SourceAtomID),
		})
	}
	fmt.Println(renderTable([]string{"ITEM", "TYPE", "FROM", "TO", "STATUS", "ATOM"}, rows))
	return nil
}

func runReviewShow(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	item, err := a.store.GetReviewItem(args[0])
	if err != nil {
		return err
	}
	atom, err := a.store.GetAtom(item.SourceAtomID)
	if err != nil {
		return err
	}

	fmt.Println(renderReviewItem(item, atom))
	return nil
}

func runReviewApprove(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	queue := a.reviewQueue()

	if autoApprove {
		approved, err := queue.AutoApprove(minImprovement)
		if err != nil {
			return err
		}
		fmt.Printf("Auto-approved %d suggestions\n", approved)
		return nil
	}

	if len(args) != 1 {
		return fmt.Errorf("%w: an item id is required unless --auto-approve is set", errUsage)
	}
	if err := queue.Approve(args[0], "approved via CLI"); err != nil {
		return err
	}
	fmt.Printf("Approved %s\n", args[0])
	return nil
}

func runReviewReject(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.reviewQueue().Reject(args[0], rejectReason); err != nil {
		return err
	}
	fmt.Printf("Rejected %s\n", args[0])
	return nil
}

func runReviewEdit(cmd *cobra.Command, args []string) error {
	if editFront == "" && editBack == "" {
		return fmt.Errorf("%w: --front and/or --back required", errUsage)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	item, err := a.store.GetReviewItem(args[0])
	if err != nil {
		return err
	}
	front, back := item.SuggestedFront, item.SuggestedBack
	if editFront != "" {
		front = editFront
	}
	if editBack != "" {
		back = editBack
	}

	if err := a.reviewQueue().Edit(args[0], front, back, nil); err != nil {
		return err
	}
	fmt.Printf("Edited %s; approve it to apply\n", args[0])
	return nil
}

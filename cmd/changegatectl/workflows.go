package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "Inspect and decide approval workflows",
}

var workflowsGetCmd = &cobra.Command{
	Use:   "get <workflow-id>",
	Short: "Get an approval workflow and its recorded decisions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]any
		if err := newClient().getJSON(apiBase+"/workflows/"+args[0], &result); err != nil {
			return fmt.Errorf("failed to get workflow: %w", err)
		}
		return printOutput(result)
	},
}

var (
	decisionStage    string
	decisionComments string
)

var workflowsApproveCmd = &cobra.Command{
	Use:   "approve <workflow-id>",
	Short: "Approve the current stage of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"stage": decisionStage, "comments": decisionComments}
		var result map[string]any
		if err := newClient().postJSON(apiBase+"/workflows/"+args[0]+"/approve", body, &result); err != nil {
			return fmt.Errorf("failed to approve: %w", err)
		}
		return printOutput(result)
	},
}

var workflowsRejectCmd = &cobra.Command{
	Use:   "reject <workflow-id>",
	Short: "Reject a workflow, which closes it and rejects the change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"stage": decisionStage, "comments": decisionComments}
		var result map[string]any
		if err := newClient().postJSON(apiBase+"/workflows/"+args[0]+"/reject", body, &result); err != nil {
			return fmt.Errorf("failed to reject: %w", err)
		}
		return printOutput(result)
	},
}

// addDecisionFlags registers the shared approve/reject flags.
func addDecisionFlags(fs *pflag.FlagSet) {
	fs.StringVar(&decisionStage, "stage", "", "Workflow stage being decided (required)")
	fs.StringVar(&decisionComments, "comments", "", "Decision comments")
}

func init() {
	for _, cmd := range []*cobra.Command{workflowsApproveCmd, workflowsRejectCmd} {
		addDecisionFlags(cmd.Flags())
		_ = cmd.MarkFlagRequired("stage")
	}

	workflowsCmd.AddCommand(workflowsGetCmd)
	workflowsCmd.AddCommand(workflowsApproveCmd)
	workflowsCmd.AddCommand(workflowsRejectCmd)
}

package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/changegate/changegate/pkg/change"
)

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Manage security changes",
}

var (
	submitTitle       string
	submitDescription string
	submitCategory    string
	submitPriority    string
	submitRisk        string
	submitSystems     string
	submitServices    string
	submitSchedule    string
	submitNoTests     bool
	submitNoApproval  bool
	submitPlan        string
)

var changesSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new security change",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"title":           submitTitle,
			"description":     submitDescription,
			"category":        submitCategory,
			"priority":        submitPriority,
			"riskLevel":       submitRisk,
			"affectedSystems": splitCSV(submitSystems),
		}
		if submitServices != "" {
			body["affectedServices"] = splitCSV(submitServices)
		}
		if submitSchedule != "" {
			body["scheduledAt"] = submitSchedule
		}
		if submitPlan != "" {
			body["rollbackPlan"] = submitPlan
		}
		if submitNoTests {
			body["testingRequired"] = false
		}
		if submitNoApproval {
			body["approvalRequired"] = false
		}

		var created change.SecurityChange
		if err := newClient().postJSON(apiBase+"/changes", body, &created); err != nil {
			return fmt.Errorf("failed to submit change: %w", err)
		}
		if outputFmt == "json" || outputFmt == "yaml" {
			return printOutput(created)
		}
		printChangeTable([]change.SecurityChange{created})
		return nil
	},
}

var (
	listStatus    string
	listCategory  string
	listSystem    string
	listCreatedBy string
	listPageSize  int
	listPageToken string
)

var changesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List security changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		if listCategory != "" {
			q.Set("category", listCategory)
		}
		if listSystem != "" {
			q.Set("system", listSystem)
		}
		if listCreatedBy != "" {
			q.Set("createdBy", listCreatedBy)
		}
		if listPageSize > 0 {
			q.Set("pageSize", fmt.Sprint(listPageSize))
		}
		if listPageToken != "" {
			q.Set("pageToken", listPageToken)
		}

		path := apiBase + "/changes"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var list change.ChangeList
		if err := newClient().getJSON(path, &list); err != nil {
			return fmt.Errorf("failed to list changes: %w", err)
		}
		if outputFmt == "json" || outputFmt == "yaml" {
			return printOutput(list)
		}
		printChangeTable(list.Items)
		fmt.Printf("Total: %d\n", list.TotalSize)
		if list.NextPageToken != "" {
			fmt.Printf("Next page token: %s\n", list.NextPageToken)
		}
		return nil
	},
}

var changesGetCmd = &cobra.Command{
	Use:   "get <change-id>",
	Short: "Get a security change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var c change.SecurityChange
		if err := newClient().getJSON(apiBase+"/changes/"+args[0], &c); err != nil {
			return fmt.Errorf("failed to get change: %w", err)
		}
		if outputFmt == "table" {
			printChangeTable([]change.SecurityChange{c})
			return nil
		}
		return printOutput(c)
	},
}

var changesTestCmd = &cobra.Command{
	Use:   "test <change-id>",
	Short: "Run the test battery for a change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]any
		if err := newClient().postJSON(apiBase+"/changes/"+args[0]+"/tests/run", nil, &result); err != nil {
			return fmt.Errorf("failed to run tests: %w", err)
		}
		return printOutput(result)
	},
}

var changesDeployCmd = &cobra.Command{
	Use:   "deploy <change-id>",
	Short: "Deploy an approved change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]any
		if err := newClient().postJSON(apiBase+"/changes/"+args[0]+"/deploy", nil, &result); err != nil {
			return fmt.Errorf("failed to deploy: %w", err)
		}
		return printOutput(result)
	},
}

var changesRollbackCmd = &cobra.Command{
	Use:   "rollback <change-id>",
	Short: "Roll back a failed change to its pre-deploy snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]any
		if err := newClient().postJSON(apiBase+"/changes/"+args[0]+"/rollback", nil, &result); err != nil {
			return fmt.Errorf("failed to roll back: %w", err)
		}
		return printOutput(result)
	},
}

var cancelReason string

var changesCancelCmd = &cobra.Command{
	Use:   "cancel <change-id>",
	Short: "Cancel a change that has not started deploying",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"reason": cancelReason}
		var c change.SecurityChange
		if err := newClient().postJSON(apiBase+"/changes/"+args[0]+"/cancel", body, &c); err != nil {
			return fmt.Errorf("failed to cancel: %w", err)
		}
		if outputFmt == "table" {
			printChangeTable([]change.SecurityChange{c})
			return nil
		}
		return printOutput(c)
	},
}

var changesAuditCmd = &cobra.Command{
	Use:   "audit <change-id>",
	Short: "Show the audit trail of a change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var trail change.AuditEntryList
		if err := newClient().getJSON(apiBase+"/changes/"+args[0]+"/audit", &trail); err != nil {
			return fmt.Errorf("failed to get audit trail: %w", err)
		}
		if outputFmt == "json" || outputFmt == "yaml" {
			return printOutput(trail)
		}

		headers := []string{"Seq", "Action", "Actor", "From", "To", "Reason", "At"}
		rows := make([][]string, 0, len(trail.Entries))
		for _, e := range trail.Entries {
			rows = append(rows, []string{
				fmt.Sprint(e.Seq),
				e.Action,
				e.Actor,
				string(e.FromState),
				string(e.ToState),
				truncate(e.Reason, 40),
				e.CreatedAt,
			})
		}
		printTable(headers, rows)
		return nil
	},
}

var changesSnapshotsCmd = &cobra.Command{
	Use:   "snapshots <change-id>",
	Short: "List the pre-deploy snapshots captured for a change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]any
		if err := newClient().getJSON(apiBase+"/changes/"+args[0]+"/snapshots", &result); err != nil {
			return fmt.Errorf("failed to list snapshots: %w", err)
		}
		return printOutput(result)
	},
}

func printChangeTable(items []change.SecurityChange) {
	headers := []string{"ID", "Title", "Category", "Priority", "Status", "Systems", "Created By"}
	rows := make([][]string, 0, len(items))
	for _, c := range items {
		rows = append(rows, []string{
			truncate(c.ID, 12),
			truncate(c.Title, 32),
			string(c.Category),
			string(c.Priority),
			string(c.Status),
			fmt.Sprint(len(c.AffectedSystems)),
			c.CreatedBy,
		})
	}
	printTable(headers, rows)
}

func init() {
	changesSubmitCmd.Flags().StringVar(&submitTitle, "title", "", "Change title (required)")
	changesSubmitCmd.Flags().StringVar(&submitDescription, "description", "", "Change description")
	changesSubmitCmd.Flags().StringVar(&submitCategory, "category", "security-update", "Category: security-update, configuration, policy, certificate, dependency, system")
	changesSubmitCmd.Flags().StringVar(&submitPriority, "priority", "medium", "Priority: low, medium, high, critical")
	changesSubmitCmd.Flags().StringVar(&submitRisk, "risk", "medium", "Risk level: low, medium, high, critical")
	changesSubmitCmd.Flags().StringVar(&submitSystems, "systems", "", "Comma-separated affected systems (required)")
	changesSubmitCmd.Flags().StringVar(&submitServices, "services", "", "Comma-separated affected services")
	changesSubmitCmd.Flags().StringVar(&submitSchedule, "scheduled-at", "", "Deploy time, RFC 3339")
	changesSubmitCmd.Flags().BoolVar(&submitNoTests, "skip-tests", false, "Mark the change as not requiring a test battery")
	changesSubmitCmd.Flags().BoolVar(&submitNoApproval, "skip-approval", false, "Mark the change as not requiring staged approval")
	changesSubmitCmd.Flags().StringVar(&submitPlan, "rollback-plan", "", "Rollback plan description")
	_ = changesSubmitCmd.MarkFlagRequired("title")
	_ = changesSubmitCmd.MarkFlagRequired("systems")

	changesListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by lifecycle state")
	changesListCmd.Flags().StringVar(&listCategory, "category", "", "Filter by category")
	changesListCmd.Flags().StringVar(&listSystem, "system", "", "Filter by affected system")
	changesListCmd.Flags().StringVar(&listCreatedBy, "created-by", "", "Filter by creator")
	changesListCmd.Flags().IntVar(&listPageSize, "page-size", 0, "Page size")
	changesListCmd.Flags().StringVar(&listPageToken, "page-token", "", "Page token from a previous listing")

	changesCancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Cancellation reason")

	changesCmd.AddCommand(changesSubmitCmd)
	changesCmd.AddCommand(changesListCmd)
	changesCmd.AddCommand(changesGetCmd)
	changesCmd.AddCommand(changesTestCmd)
	changesCmd.AddCommand(changesDeployCmd)
	changesCmd.AddCommand(changesRollbackCmd)
	changesCmd.AddCommand(changesCancelCmd)
	changesCmd.AddCommand(changesAuditCmd)
	changesCmd.AddCommand(changesSnapshotsCmd)
}

package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/changegate/changegate/pkg/change"
)

var (
	auditAction    string
	auditActor     string
	auditPageSize  int
	auditPageToken string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the global audit trail",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if auditAction != "" {
			q.Set("action", auditAction)
		}
		if auditActor != "" {
			q.Set("actor", auditActor)
		}
		if auditPageSize > 0 {
			q.Set("pageSize", fmt.Sprint(auditPageSize))
		}
		if auditPageToken != "" {
			q.Set("pageToken", auditPageToken)
		}
		path := apiBase + "/audit"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var result struct {
			Items         []change.AuditEntry `json:"items"`
			NextPageToken string              `json:"nextPageToken"`
			TotalSize     int                 `json:"totalSize"`
		}
		if err := newClient().getJSON(path, &result); err != nil {
			return fmt.Errorf("failed to query audit trail: %w", err)
		}
		if outputFmt == "json" || outputFmt == "yaml" {
			return printOutput(result)
		}

		headers := []string{"Change", "Seq", "Action", "Actor", "From", "To", "At"}
		rows := make([][]string, 0, len(result.Items))
		for _, e := range result.Items {
			rows = append(rows, []string{
				truncate(e.ChangeID, 12),
				fmt.Sprint(e.Seq),
				e.Action,
				e.Actor,
				string(e.FromState),
				string(e.ToState),
				e.CreatedAt,
			})
		}
		printTable(headers, rows)
		fmt.Printf("Total: %d\n", result.TotalSize)
		if result.NextPageToken != "" {
			fmt.Printf("Next page token: %s\n", result.NextPageToken)
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditAction, "action", "", "Filter by audit action")
	auditCmd.Flags().StringVar(&auditActor, "actor", "", "Filter by actor")
	auditCmd.Flags().IntVar(&auditPageSize, "page-size", 0, "Page size")
	auditCmd.Flags().StringVar(&auditPageToken, "page-token", "", "Page token from a previous query")
}

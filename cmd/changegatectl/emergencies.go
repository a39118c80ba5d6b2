package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var emergenciesCmd = &cobra.Command{
	Use:   "emergencies",
	Short: "Declare and drive emergency security updates",
}

var (
	declareTitle       string
	declareDescription string
	declareType        string
	declareLevel       string
	declareSystems     string
	declareContacts    string
)

var emergenciesDeclareCmd = &cobra.Command{
	Use:   "declare",
	Short: "Declare an emergency and open its fast-tracked change",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"title":           declareTitle,
			"description":     declareDescription,
			"type":            declareType,
			"level":           declareLevel,
			"affectedSystems": splitCSV(declareSystems),
		}
		if declareContacts != "" {
			body["contacts"] = splitCSV(declareContacts)
		}

		var result map[string]any
		if err := newClient().postJSON(apiBase+"/emergencies", body, &result); err != nil {
			return fmt.Errorf("failed to declare emergency: %w", err)
		}
		return printOutput(result)
	},
}

var (
	emergencyStatus string
	emergencyType   string
)

var emergenciesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List emergencies",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if emergencyStatus != "" {
			q.Set("status", emergencyStatus)
		}
		if emergencyType != "" {
			q.Set("type", emergencyType)
		}
		path := apiBase + "/emergencies"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var result struct {
			Emergencies []struct {
				ID       string `json:"id"`
				Title    string `json:"title"`
				Type     string `json:"type"`
				Level    string `json:"level"`
				Status   string `json:"status"`
				ChangeID string `json:"changeId"`
			} `json:"emergencies"`
			TotalSize int `json:"totalSize"`
		}
		if err := newClient().getJSON(path, &result); err != nil {
			return fmt.Errorf("failed to list emergencies: %w", err)
		}
		if outputFmt == "json" || outputFmt == "yaml" {
			return printOutput(result)
		}

		headers := []string{"ID", "Title", "Type", "Level", "Status", "Change"}
		rows := make([][]string, 0, len(result.Emergencies))
		for _, e := range result.Emergencies {
			rows = append(rows, []string{
				truncate(e.ID, 12),
				truncate(e.Title, 32),
				e.Type,
				e.Level,
				e.Status,
				truncate(e.ChangeID, 12),
			})
		}
		printTable(headers, rows)
		fmt.Printf("Total: %d\n", result.TotalSize)
		return nil
	},
}

var emergenciesGetCmd = &cobra.Command{
	Use:   "get <emergency-id>",
	Short: "Get an emergency",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]any
		if err := newClient().getJSON(apiBase+"/emergencies/"+args[0], &result); err != nil {
			return fmt.Errorf("failed to get emergency: %w", err)
		}
		return printOutput(result)
	},
}

func phaseCommand(use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <emergency-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]any
			if err := newClient().postJSON(apiBase+"/emergencies/"+args[0]+"/"+action, nil, &result); err != nil {
				return fmt.Errorf("failed to run %s: %w", action, err)
			}
			return printOutput(result)
		},
	}
}

func init() {
	emergenciesDeclareCmd.Flags().StringVar(&declareTitle, "title", "", "Emergency title (required)")
	emergenciesDeclareCmd.Flags().StringVar(&declareDescription, "description", "", "Emergency description")
	emergenciesDeclareCmd.Flags().StringVar(&declareType, "type", "", "Incident type: data-breach, critical-vulnerability, ransomware, other (required)")
	emergenciesDeclareCmd.Flags().StringVar(&declareLevel, "level", "", "Severity: low, medium, high, critical, crisis (required)")
	emergenciesDeclareCmd.Flags().StringVar(&declareSystems, "systems", "", "Comma-separated affected systems (required)")
	emergenciesDeclareCmd.Flags().StringVar(&declareContacts, "contacts", "", "Comma-separated notification contacts")
	_ = emergenciesDeclareCmd.MarkFlagRequired("title")
	_ = emergenciesDeclareCmd.MarkFlagRequired("type")
	_ = emergenciesDeclareCmd.MarkFlagRequired("level")
	_ = emergenciesDeclareCmd.MarkFlagRequired("systems")

	emergenciesListCmd.Flags().StringVar(&emergencyStatus, "status", "", "Filter by phase: declared, active, contained, resolved")
	emergenciesListCmd.Flags().StringVar(&emergencyType, "type", "", "Filter by incident type")

	emergenciesCmd.AddCommand(emergenciesDeclareCmd)
	emergenciesCmd.AddCommand(emergenciesListCmd)
	emergenciesCmd.AddCommand(emergenciesGetCmd)
	emergenciesCmd.AddCommand(phaseCommand("activate", "Activate a declared emergency and run its immediate actions", "activate"))
	emergenciesCmd.AddCommand(phaseCommand("contain", "Run the containment checklist of an active emergency", "containment"))
	emergenciesCmd.AddCommand(phaseCommand("recover", "Run the recovery checklist and resolve the emergency", "recovery"))
}

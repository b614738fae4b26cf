package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/inboxd/internal/failure"
	"github.com/kalambet/inboxd/internal/storage"
)

// errNoMatches makes the exit code reflect whether requested data was found.
var errNoMatches = errors.New("no matching error records")

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Inspect the error audit log",
}

var errorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent errors, newest first",
	Long: `List recent errors, newest first.

Examples:
  inboxd errors list --limit 20
  inboxd errors list --category imap --resolved false
  inboxd errors list --severity critical`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		category, _ := cmd.Flags().GetString("category")
		severity, _ := cmd.Flags().GetString("severity")
		resolved, _ := cmd.Flags().GetString("resolved")

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if category != "" {
			q.Set("category", category)
		}
		if severity != "" {
			q.Set("severity", severity)
		}
		if resolved != "" {
			if _, err := strconv.ParseBool(resolved); err != nil {
				return fmt.Errorf("--resolved must be true or false")
			}
			q.Set("resolved", resolved)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(context.Background(), "/errors?"+q.Encode())
		if err != nil {
			return err
		}

		var records []*failure.ErrorRecord
		if err := decodeJSON(resp, &records); err != nil {
			return err
		}

		if len(records) == 0 {
			printWarning("no errors match")
			return errNoMatches
		}

		for _, rec := range records {
			printRecordLine(rec)
		}
		return nil
	},
}

var errorsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one error record, including its traceback",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(context.Background(), "/errors/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if resp.StatusCode == 404 {
			resp.Body.Close()
			printWarning("no error record matches %q", args[0])
			return errNoMatches
		}

		var rec failure.ErrorRecord
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		}

		printStatus("ID", "%s", rec.ID)
		printStatus("Time", "%s", rec.Timestamp.Format("2006-01-02 15:04:05 MST"))
		printStatus("Category", "%s", rec.Category)
		printStatus("Severity", "%s", colorize(severityColor(string(rec.Severity)), string(rec.Severity)))
		printStatus("Component", "%s/%s", rec.Component, rec.Operation)
		printStatus("Error", "%s: %s", rec.ExceptionType, rec.ExceptionMessage)
		printStatus("Strategy", "%s", rec.RecoveryStrategy)
		printStatus("Attempts", "%d/%d", rec.RecoveryAttempts, rec.MaxRecoveryAttempts)
		if rec.Resolved {
			resolvedAt := ""
			if rec.ResolvedAt != nil {
				resolvedAt = " at " + rec.ResolvedAt.Format("2006-01-02 15:04:05 MST")
			}
			printStatus("Resolved", "yes%s", resolvedAt)
		} else {
			printStatus("Resolved", "no")
		}
		if rec.Notes != "" {
			printStatus("Notes", "%s", rec.Notes)
		}
		if len(rec.Context) > 0 {
			b, err := json.MarshalIndent(rec.Context, "  ", "  ")
			if err == nil {
				fmt.Fprintf(os.Stdout, "  %s %s\n", colorize(colorBold, "Context:"), string(b))
			}
		}
		if rec.Traceback != "" {
			fmt.Fprintf(os.Stdout, "\n%s\n%s\n", colorize(colorBold, "Traceback:"), rec.Traceback)
		}
		return nil
	},
}

var errorsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate error counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(context.Background(), "/errors/stats")
		if err != nil {
			return err
		}

		var stats struct {
			Store storage.Stats `json:"store"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printStatus("Total", "%d", stats.Store.Total)
		printStatus("Resolved", "%d", stats.Store.Resolved)
		printStatus("Unresolved", "%d", stats.Store.Unresolved)
		printStatus("Recovery attempted", "%d", stats.Store.RecoveryAttempted)
		printStatus("Recovery successful", "%d", stats.Store.RecoverySuccessful)
		for _, category := range failure.Categories() {
			if n := stats.Store.ByCategory[category]; n > 0 {
				printStatus("  "+string(category), "%d", n)
			}
		}
		return nil
	},
}

var errorsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark an error as manually resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		notes, _ := cmd.Flags().GetString("notes")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(context.Background(), "/errors/"+url.PathEscape(args[0])+"/resolve", map[string]string{"notes": notes})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Resolved %s", result["id"])
		return nil
	},
}

var errorsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete old resolved errors from the audit store",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("older-than")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]int{}
		if days > 0 {
			body["older_than_days"] = days
		}
		resp, err := client.post(context.Background(), "/errors/sweep", body)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted %d resolved error(s)", result["deleted"])
		return nil
	},
}

func printRecordLine(rec *failure.ErrorRecord) {
	mark := " "
	if rec.Resolved {
		mark = colorize(colorGreen, "✓")
	}
	msg := rec.ExceptionMessage
	if len(msg) > 70 {
		msg = msg[:67] + "..."
	}
	fmt.Fprintf(os.Stdout, "%s %-34s %s %-10s %-8s %s\n",
		mark,
		rec.ID,
		rec.Timestamp.Format("2006-01-02 15:04:05"),
		rec.Category,
		colorize(severityColor(string(rec.Severity)), string(rec.Severity)),
		strings.ReplaceAll(msg, "\n", " "),
	)
}

func init() {
	errorsListCmd.Flags().Int("limit", 20, "maximum number of errors to list")
	errorsListCmd.Flags().String("category", "", "filter by category (imap, ai, validation, ...)")
	errorsListCmd.Flags().String("severity", "", "filter by severity (low, medium, high, critical)")
	errorsListCmd.Flags().String("resolved", "", "filter by resolution state (true/false)")

	errorsShowCmd.Flags().Bool("json", false, "print the raw record as JSON")

	errorsResolveCmd.Flags().String("notes", "", "resolution notes")

	errorsSweepCmd.Flags().Int("older-than", 0, "delete resolved errors older than this many days (default: server retention setting)")

	errorsCmd.AddCommand(errorsListCmd)
	errorsCmd.AddCommand(errorsShowCmd)
	errorsCmd.AddCommand(errorsStatsCmd)
	errorsCmd.AddCommand(errorsResolveCmd)
	errorsCmd.AddCommand(errorsSweepCmd)
}

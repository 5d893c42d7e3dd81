package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skillgate/skillgate/pkg/types"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log of a running server",
	}

	cmd.AddCommand(newAuditQueryCmd())
	cmd.AddCommand(newAuditStatsCmd())
	cmd.AddCommand(newAuditWatchCmd())
	return cmd
}

func newAuditQueryCmd() *cobra.Command {
	var (
		extensionID string
		allowed     string
		urlLike     string
		limit       int
		offset      int
		asc         bool
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List audit records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if extensionID != "" {
				params.Set("extension_id", extensionID)
			}
			if allowed != "" {
				params.Set("allowed", allowed)
			}
			if urlLike != "" {
				params.Set("url_like", urlLike)
			}
			if limit > 0 {
				params.Set("limit", fmt.Sprint(limit))
			}
			if offset > 0 {
				params.Set("offset", fmt.Sprint(offset))
			}
			if asc {
				params.Set("order", "asc")
			}

			var recs []types.AuditRecord
			if err := getJSON(cmd, "/api/v1/audit?"+params.Encode(), &recs); err != nil {
				return err
			}
			for _, rec := range recs {
				outcome := "DENY "
				if rec.Allowed {
					outcome = "ALLOW"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %-20s %-6s %s  %s\n",
					rec.Time().Format("2006-01-02T15:04:05Z"), outcome,
					rec.ExtensionID, rec.Method, rec.URL, rec.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&extensionID, "extension", "", "Filter by extension id")
	cmd.Flags().StringVar(&allowed, "allowed", "", "Filter by outcome: true|false")
	cmd.Flags().StringVar(&urlLike, "url-like", "", "Filter by URL (SQL LIKE pattern)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum records (default 200)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Records to skip")
	cmd.Flags().BoolVar(&asc, "asc", false, "Oldest first")
	return cmd
}

func newAuditStatsCmd() *cobra.Command {
	var extensionID string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show decision statistics derived from the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/audit/stats"
			if extensionID != "" {
				path += "?extension_id=" + url.QueryEscape(extensionID)
			}
			var stats types.AuditStats
			if err := getJSON(cmd, path, &stats); err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}

	cmd.Flags().StringVar(&extensionID, "extension", "", "Limit to one extension id")
	return cmd
}

func newAuditWatchCmd() *cobra.Command {
	var extensionID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live enforcement decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := serverAddr(cmd) + "/api/v1/events"
			if extensionID != "" {
				path += "?extension_id=" + url.QueryEscape(extensionID)
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("connect to server: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %s", resp.Status)
			}

			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				line := scanner.Text()
				if !strings.HasPrefix(line, "data: {") {
					continue
				}
				var rec types.AuditRecord
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &rec); err != nil {
					continue
				}
				outcome := "DENY "
				if rec.Allowed {
					outcome = "ALLOW"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %-20s %s  %s\n",
					rec.Time().Format("15:04:05"), outcome, rec.ExtensionID, rec.URL, rec.Reason)
			}
			return scanner.Err()
		},
	}

	cmd.Flags().StringVar(&extensionID, "extension", "", "Limit to one extension id")
	return cmd
}

func getJSON(cmd *cobra.Command, path string, out any) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, serverAddr(cmd)+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ABOUTME: Operator commands that talk to a running daemon or its database
// ABOUTME: health and connections use the HTTP API, dedupe opens the store directly

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-switchboard/internal/gateway"
	"github.com/2389/coven-switchboard/internal/store"
)

const opsRequestTimeout = 10 * time.Second

// opsBaseURL turns a listen address into a URL a local client can dial.
func opsBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// serverURL returns the --addr flag when set, else the configured HTTP address.
func serverURL(cmd *cobra.Command) (string, error) {
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		return opsBaseURL(addr), nil
	}
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	return opsBaseURL(cfg.Server.HTTPAddr), nil
}

func getJSON(ctx context.Context, url string, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opsRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, nil
}

func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that a running daemon is healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := serverURL(cmd)
			if err != nil {
				return err
			}
			return runHealth(cmd.Context(), base, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("addr", "", "daemon HTTP address (overrides server.http_addr)")
	return cmd
}

func runHealth(ctx context.Context, base string, w io.Writer) error {
	status, err := getJSON(ctx, base+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}

	ready, err := getJSON(ctx, base+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	if ready != http.StatusOK {
		fmt.Fprintln(w, "healthy (no connections connected)")
		return nil
	}
	fmt.Fprintln(w, "healthy")
	return nil
}

// connectionRow mirrors the fields of the API's connection listing that the
// table shows.
type connectionRow struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone"`
	Status       string    `json:"status"`
	Persistent   bool      `json:"persistent"`
	LastActivity time.Time `json:"last_activity"`
}

func newConnectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List connections known to a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := serverURL(cmd)
			if err != nil {
				return err
			}
			var rows []connectionRow
			if _, err := getJSON(cmd.Context(), base+"/api/connections", &rows); err != nil {
				return fmt.Errorf("listing connections: %w", err)
			}
			printConnections(cmd.OutOrStdout(), rows)
			return nil
		},
	}
	cmd.Flags().String("addr", "", "daemon HTTP address (overrides server.http_addr)")
	return cmd
}

func printConnections(w io.Writer, rows []connectionRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "no connections")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPHONE\tSTATUS\tPERSISTENT\tLAST ACTIVITY")
	for _, r := range rows {
		phone := r.Phone
		if phone == "" {
			phone = "-"
		}
		last := "-"
		if !r.LastActivity.IsZero() {
			last = r.LastActivity.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", r.ID, r.Name, phone, statusColor(r.Status), r.Persistent, last)
	}
	_ = tw.Flush()
}

func statusColor(status string) string {
	switch store.ConnectionStatus(status) {
	case store.StatusConnected:
		return color.GreenString(status)
	case store.StatusConnecting:
		return color.YellowString(status)
	case store.StatusError:
		return color.RedString(status)
	case "":
		return "-"
	default:
		return color.HiBlackString(status)
	}
}

func newDedupeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dedupe",
		Short: "Remove duplicate messages from the database",
		Long: `dedupe removes all but the oldest copy of messages with the same sender,
receiver and content that were stored within a few seconds of each other.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			s, err := gateway.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			return runDedupe(cmd.Context(), s, dryRun, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Bool("dry-run", false, "report duplicate groups without deleting")
	return cmd
}

func runDedupe(ctx context.Context, s store.Store, dryRun bool, w io.Writer) error {
	if dryRun {
		groups, err := s.FindDuplicateMessages(ctx)
		if err != nil {
			return fmt.Errorf("finding duplicates: %w", err)
		}
		redundant := 0
		for _, g := range groups {
			redundant += len(g) - 1
			fmt.Fprintf(w, "%d x %q (%s -> %s)\n", len(g), g[0].Content, g[0].SenderID, g[0].ReceiverID)
		}
		fmt.Fprintf(w, "%d duplicate groups, %d messages would be removed\n", len(groups), redundant)
		return nil
	}

	removed, err := s.RemoveDuplicateMessages(ctx)
	if err != nil {
		return fmt.Errorf("removing duplicates: %w", err)
	}
	fmt.Fprintf(w, "removed %d duplicate messages\n", removed)
	return nil
}

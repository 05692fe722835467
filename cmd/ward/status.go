package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/ward"
)

func createStatusCommand() *cobra.Command {
	var apiURL string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show unit states from a running ward server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			units, err := fetchStatus(apiURL)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tSTATE\tPID\tRESTARTS\tUPTIME\tLAST EXIT")
			for _, u := range units {
				uptime := "-"
				if !u.StartedAt.IsZero() && u.State == "running" {
					uptime = time.Since(u.StartedAt).Truncate(time.Second).String()
				}
				pid := "-"
				if u.PID > 0 {
					pid = fmt.Sprintf("%d", u.PID)
				}
				last := u.LastExit
				if last == "" {
					last = "-"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					u.ID, u.State, pid, u.Restarts, uptime, last)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "http://127.0.0.1:8080", "base URL of the ward HTTP server")
	return cmd
}

func fetchStatus(apiURL string) ([]ward.UnitStatus, error) {
	resp, err := http.Get(strings.TrimRight(apiURL, "/") + "/status")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status request failed: %s", resp.Status)
	}
	var units []ward.UnitStatus
	if err := json.NewDecoder(resp.Body).Decode(&units); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return units, nil
}

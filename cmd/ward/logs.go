package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func createLogsCommand() *cobra.Command {
	var (
		apiURL string
		replay int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Stream aggregated unit output from a running ward server",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return streamLogs(ctx, apiURL, replay, follow)
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "http://127.0.0.1:8080", "base URL of the ward HTTP server")
	cmd.Flags().IntVar(&replay, "replay", 100, "number of buffered lines to print first")
	cmd.Flags().BoolVarP(&follow, "follow", "f", true, "keep streaming new lines")
	return cmd
}

func streamLogs(ctx context.Context, apiURL string, replay int, follow bool) error {
	url := fmt.Sprintf("%s/logs?replay=%d&follow=%t",
		strings.TrimRight(apiURL, "/"), replay, follow)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("log request failed: %s", resp.Status)
	}
	if _, err := io.Copy(os.Stdout, resp.Body); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

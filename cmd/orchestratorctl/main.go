// Package main implements orchestratorctl, a small cobra CLI for
// operators to inspect and reset batches without curling the HTTP API
// by hand.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var orchestratorURL string

	rootCmd := &cobra.Command{
		Use:     "orchestratorctl",
		Short:   "Admin CLI for the preprocessing batch orchestrator",
		Version: "dev",
	}
	rootCmd.PersistentFlags().StringVar(&orchestratorURL, "orchestrator-url", defaultOrchestratorURL(), "base URL of the orchestrator HTTP API")

	rootCmd.AddCommand(newStatusCmd(&orchestratorURL))
	rootCmd.AddCommand(newResetCmd(&orchestratorURL))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func defaultOrchestratorURL() string {
	if v := os.Getenv("ORCHESTRATOR_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func newStatusCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <batch_id>",
		Short: "Print the current status of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doGET(cmd.Context(), fmt.Sprintf("%s/status/%s", *baseURL, args[0]))
		},
	}
}

func newResetCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <batch_id>",
		Short: "Force a stuck batch into ERROR so it stops alarming",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doPOST(cmd.Context(), fmt.Sprintf("%s/admin/reset/%s", *baseURL, args[0]))
		},
	}
}

func doGET(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return doRequest(client, req)
}

func doPOST(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	return doRequest(client, req)
}

func doRequest(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("orchestrator returned %s: %s", resp.Status, string(body))
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(out))
	return nil
}

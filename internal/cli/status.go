package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var statusURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Query a running daemon's health endpoint and print its session, connection and memory counts.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", "http://127.0.0.1:8080", "daemon base URL")
	rootCmd.AddCommand(statusCmd)
}

type healthReport struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
	Memory      *struct {
		Entries int `json:"entries"`
		Topics  int `json:"topics"`
	} `json:"memory,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimSuffix(statusURL, "/") + "/healthz")
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Status: stopped")
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	var health healthReport
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("invalid health response: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status: %s\n", health.Status)
	fmt.Fprintf(out, "Sessions: %d\n", health.Sessions)
	fmt.Fprintf(out, "Connections: %d\n", health.Connections)
	if health.Memory != nil {
		fmt.Fprintf(out, "Memory: %d entries, %d topics\n", health.Memory.Entries, health.Memory.Topics)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon unhealthy: HTTP %d", resp.StatusCode)
	}
	return nil
}

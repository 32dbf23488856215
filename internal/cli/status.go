package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/carecloud/agentd/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and agent status",
	Long: `Show the current status of the agentd daemon service,
including per-variant session counts when the daemon is reachable.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	pidFile := getPIDFilePath()

	if !isRunning(pidFile) {
		fmt.Println("Status: stopped")
		return nil
	}

	pid, err := readPIDFile(pidFile)
	if err != nil {
		return err
	}

	fmt.Println("Status: running")
	fmt.Printf("PID: %d\n", pid)
	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Printf("Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	printAgentStatus()
	return nil
}

// printAgentStatus queries the running daemon's status endpoint. The
// daemon may be mid-startup, so failure here is not an error.
func printAgentStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/agents/status", cfg.Server.Port))
	if err != nil {
		fmt.Println("Agents: unreachable")
		return
	}
	defer resp.Body.Close()

	var payload struct {
		Agents []struct {
			AgentType string `json:"agent_type"`
			Sessions  int    `json:"sessions"`
		} `json:"agents"`
		Running []string `json:"running"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return
	}

	fmt.Println("\nAgents:")
	for _, a := range payload.Agents {
		fmt.Printf("  %-20s sessions=%d\n", a.AgentType, a.Sessions)
	}
	fmt.Printf("Running queries: %d\n", len(payload.Running))
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

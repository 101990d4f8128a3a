package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	statusPidFile string
	statusAPIPort int
	statusJSON    bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long: `Display the current status of the cnabflow server.

This command checks the PID file and the health endpoints and reports
whether the server process is up and its database is reachable.

Examples:
  # Check status (uses default settings)
  cnabflow status

  # Check status with custom API port
  cnabflow status --api-port 9080

  # Output as JSON
  cnabflow status --json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/cnabflow/cnabflow.pid)")
	statusCmd.Flags().IntVar(&statusAPIPort, "api-port", 8080, "API server port")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

// ServerStatus represents the server status information.
type ServerStatus struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Healthy bool   `json:"healthy"`
	Ready   bool   `json:"ready"`
	Message string `json:"message"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	status := ServerStatus{Message: "Server is not running"}

	// Use default PID file if not specified
	pidPath := statusPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	// Check PID file first
	if pidData, err := os.ReadFile(pidPath); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(pidData))); err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				// On Unix, FindProcess always succeeds; signal 0 probes liveness.
				if process.Signal(syscall.Signal(0)) == nil {
					status.Running = true
					status.PID = pid
				}
			}
		}
	}

	// Check the health endpoints (works for both daemon and foreground mode)
	client := &http.Client{Timeout: 2 * time.Second}

	if resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", statusAPIPort)); err == nil {
		_ = resp.Body.Close()
		status.Running = true
		status.Healthy = resp.StatusCode == http.StatusOK
	}
	if resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health/ready", statusAPIPort)); err == nil {
		_ = resp.Body.Close()
		status.Ready = resp.StatusCode == http.StatusOK
	}

	switch {
	case status.Running && status.Healthy && status.Ready:
		status.Message = "Server is running and healthy"
	case status.Running && status.Healthy:
		status.Message = "Server is running but the database is not reachable"
	case status.Running:
		status.Message = "Server process is up but the API is not responding"
	}

	if statusJSON {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Running: %v\n", status.Running)
	if status.PID != 0 {
		fmt.Printf("PID:     %d\n", status.PID)
	}
	fmt.Printf("Healthy: %v\n", status.Healthy)
	fmt.Printf("Ready:   %v\n", status.Ready)
	fmt.Printf("Status:  %s\n", status.Message)

	if !status.Running {
		os.Exit(1)
	}
	return nil
}

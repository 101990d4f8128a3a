package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	stopPidFile string
	stopTimeout time.Duration
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running cnabflow server",
	Long: `Stop a cnabflow server started in background mode.

The server is sent SIGTERM and given time to finish in-flight uploads
and persist its checkpoints. If it does not exit within the timeout it
is killed.

Examples:
  # Stop with default settings
  cnabflow stop

  # Stop with a longer grace period
  cnabflow stop --timeout 60s`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().StringVar(&stopPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/cnabflow/cnabflow.pid)")
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second, "How long to wait for graceful shutdown before killing")
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath := stopPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	pidData, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("cnabflow does not appear to be running (no PID file at %s)", pidPath)
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		return fmt.Errorf("invalid PID file %s: %w", pidPath, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		if err == os.ErrProcessDone || strings.Contains(err.Error(), "process already finished") {
			_ = os.Remove(pidPath)
			return fmt.Errorf("cnabflow is not running (stale PID file removed)")
		}
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to cnabflow (PID %d), waiting for shutdown...\n", pid)

	// Poll until the process exits or the timeout elapses.
	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if err := process.Signal(syscall.Signal(0)); err != nil {
			fmt.Println("cnabflow stopped")
			_ = os.Remove(pidPath)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	fmt.Printf("Timeout after %s, killing PID %d\n", stopTimeout, pid)
	if err := process.Kill(); err != nil {
		return fmt.Errorf("failed to kill process %d: %w", pid, err)
	}
	_ = os.Remove(pidPath)
	return nil
}

package main

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show logs of the msgportd user service",
		Args:  cobra.NoArgs,
		RunE:  runLogs,
	}
	cmd.Flags().BoolP("follow", "f", false, "Stream logs in real time")
	cmd.Flags().IntP("lines", "n", 50, "Number of lines to show") //nolint:mnd
	return cmd
}

func logsCommand(follow bool, lines int) (string, []string, error) {
	switch runtime.GOOS {
	case osDarwin:
		logPath := launchdLogPath()
		if _, err := os.Stat(logPath); err != nil {
			return "", nil, fmt.Errorf("log file not found: %s\nis the service installed? try: msgportd service install --start", logPath)
		}
		args := []string{"-n", strconv.Itoa(lines)}
		if follow {
			args = append(args, "-f")
		}
		return "tail", append(args, logPath), nil
	case osLinux:
		if _, err := os.Stat(systemdUnitPath()); err != nil {
			return "", nil, fmt.Errorf("service not installed: %s\ntry: msgportd service install --start", systemdUnitPath())
		}
		args := []string{"--user", "-u", systemdUnitName, "-n", strconv.Itoa(lines), "--no-pager"}
		if follow {
			args = append(args, "-f")
		}
		return "journalctl", args, nil
	default:
		return "", nil, errUnsupported()
	}
}

func runLogs(cmd *cobra.Command, _ []string) error {
	follow, _ := cmd.Flags().GetBool("follow")
	lines, _ := cmd.Flags().GetInt("lines")

	name, args, err := logsCommand(follow, lines)
	if err != nil {
		return err
	}

	c := exec.CommandContext(cmd.Context(), name, args...)
	c.Stdin = cmd.InOrStdin()
	c.Stdout = cmd.OutOrStdout()
	c.Stderr = cmd.ErrOrStderr()

	if err := c.Run(); err != nil {
		return fmt.Errorf("failed to read logs: %w", err)
	}
	return nil
}

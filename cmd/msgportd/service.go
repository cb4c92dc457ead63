package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/sambigeara/msgport/pkg/workspace"
)

const (
	osDarwin = "darwin"
	osLinux  = "linux"
)

const (
	launchdLabel    = "org.msgport.daemon"
	systemdUnitName = "msgportd.service"
)

func launchdPlistPath() string {
	return filepath.Join(os.Getenv("HOME"), "Library", "LaunchAgents", launchdLabel+".plist")
}

func launchdLogPath() string {
	return filepath.Join(os.Getenv("HOME"), "Library", "Logs", "msgportd.log")
}

func systemdUnitPath() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "systemd", "user", systemdUnitName)
}

var launchdPlistTmpl = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
  <key>Label</key>
  <string>{{ .Label }}</string>
  <key>ProgramArguments</key>
  <array>
    <string>{{ .Binary }}</string>
    <string>--dir</string>
    <string>{{ .Dir }}</string>
  </array>
  <key>RunAtLoad</key>
  <true/>
  <key>KeepAlive</key>
  <dict>
    <key>SuccessfulExit</key>
    <false/>
  </dict>
  <key>StandardOutPath</key>
  <string>{{ .LogPath }}</string>
  <key>StandardErrorPath</key>
  <string>{{ .LogPath }}</string>
</dict>
</plist>
`))

var systemdUnitTmpl = template.Must(template.New("unit").Parse(`[Unit]
Description=Message port daemon

[Service]
Type=simple
ExecStart="{{ .Binary }}" --dir "{{ .Dir }}"
Restart=on-failure
RestartSec=3

[Install]
WantedBy=default.target
`))

type unitData struct {
	Label   string
	Binary  string
	Dir     string
	LogPath string
}

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the msgportd user service",
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install and enable the msgportd user service",
		Args:  cobra.NoArgs,
		RunE:  runServiceInstall,
	}
	installCmd.Flags().Bool("start", false, "Start the service immediately after installing")
	installCmd.Flags().Bool("force", false, "Overwrite existing service file")

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the msgportd user service",
		Args:  cobra.NoArgs,
		RunE:  runServiceUninstall,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the msgportd user service is installed and running",
		Args:  cobra.NoArgs,
		RunE:  runServiceStatus,
	}

	cmd.AddCommand(installCmd, uninstallCmd, statusCmd)
	return cmd
}

func errUnsupported() error {
	return fmt.Errorf("unsupported platform: %s (supported: darwin, linux)", runtime.GOOS)
}

func resolveExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("resolve symlinks: %w", err)
	}
	return exe, nil
}

func newUnitData(cmd *cobra.Command) (unitData, error) {
	binary, err := resolveExecutable()
	if err != nil {
		return unitData{}, err
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir, err = workspace.EnsureDir(dir); err != nil {
		return unitData{}, err
	}
	return unitData{
		Label:   launchdLabel,
		Binary:  binary,
		Dir:     dir,
		LogPath: launchdLogPath(),
	}, nil
}

// writeUnit renders tmpl into path, creating the parent directory.
func writeUnit(path string, tmpl *template.Template, data unitData) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:mnd
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := renderUnit(f, tmpl, data); err != nil {
		return err
	}
	// launchctl and systemctl read the file right after this returns.
	return f.Close()
}

func renderUnit(w io.Writer, tmpl *template.Template, data unitData) error {
	return tmpl.Execute(w, data)
}

func unitPath() (string, *template.Template, error) {
	switch runtime.GOOS {
	case osDarwin:
		return launchdPlistPath(), launchdPlistTmpl, nil
	case osLinux:
		return systemdUnitPath(), systemdUnitTmpl, nil
	default:
		return "", nil, errUnsupported()
	}
}

func runServiceInstall(cmd *cobra.Command, _ []string) error {
	force, _ := cmd.Flags().GetBool("force")
	start, _ := cmd.Flags().GetBool("start")

	path, tmpl, err := unitPath()
	if err != nil {
		return err
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("service file already exists: %s\nuse --force to overwrite", path)
		}
	}

	data, err := newUnitData(cmd)
	if err != nil {
		return err
	}
	if err := writeUnit(path, tmpl, data); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "service installed: %s\n", path)

	if runtime.GOOS == osLinux {
		systemctl(cmd, "daemon-reload")
		systemctl(cmd, "enable", systemdUnitName)
	}

	if !start {
		return nil
	}
	if err := startService(cmd, path); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "service started")
	return nil
}

func startService(cmd *cobra.Command, path string) error {
	ctx := cmd.Context()
	if runtime.GOOS == osLinux {
		return exec.CommandContext(ctx, "systemctl", "--user", "restart", systemdUnitName).Run()
	}

	uid := os.Getuid()
	guiDomain := fmt.Sprintf("gui/%d", uid)
	target := guiDomain + "/" + launchdLabel

	// Drop any loaded instance so the new plist is picked up.
	_ = exec.CommandContext(ctx, "launchctl", "bootout", target).Run() //nolint:errcheck,gosec
	_ = exec.CommandContext(ctx, "launchctl", "enable", target).Run()  //nolint:errcheck,gosec
	return exec.CommandContext(ctx, "launchctl", "bootstrap", guiDomain, path).Run() //nolint:gosec
}

// systemctl runs a best-effort systemctl --user command and warns on failure.
func systemctl(cmd *cobra.Command, args ...string) {
	args = append([]string{"--user"}, args...)
	if err := exec.CommandContext(cmd.Context(), "systemctl", args...).Run(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: systemctl %s failed: %v\n", strings.Join(args[1:], " "), err)
	}
}

func runServiceUninstall(cmd *cobra.Command, _ []string) error {
	path, _, err := unitPath()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	switch runtime.GOOS {
	case osDarwin:
		target := fmt.Sprintf("gui/%d/%s", os.Getuid(), launchdLabel)
		_ = exec.CommandContext(ctx, "launchctl", "bootout", target).Run() //nolint:errcheck,gosec
	case osLinux:
		_ = exec.CommandContext(ctx, "systemctl", "--user", "stop", systemdUnitName).Run()    //nolint:errcheck
		_ = exec.CommandContext(ctx, "systemctl", "--user", "disable", systemdUnitName).Run() //nolint:errcheck
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if runtime.GOOS == osLinux {
		_ = exec.CommandContext(ctx, "systemctl", "--user", "daemon-reload").Run() //nolint:errcheck
	}

	fmt.Fprintln(cmd.OutOrStdout(), "service uninstalled")
	return nil
}

func runServiceStatus(cmd *cobra.Command, _ []string) error {
	path, _, err := unitPath()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(out, "installed: no")
		return nil
	}
	fmt.Fprintf(out, "installed: yes (%s)\n", path)

	running := false
	ctx := cmd.Context()
	switch runtime.GOOS {
	case osDarwin:
		target := fmt.Sprintf("gui/%d/%s", os.Getuid(), launchdLabel)
		res, err := exec.CommandContext(ctx, "launchctl", "print", target).CombinedOutput() //nolint:gosec
		running = err == nil && strings.Contains(string(res), "state = running")
	case osLinux:
		res, err := exec.CommandContext(ctx, "systemctl", "--user", "is-active", systemdUnitName).CombinedOutput()
		running = err == nil && strings.TrimSpace(string(res)) == "active"
	}

	if running {
		fmt.Fprintln(out, "running: yes")
	} else {
		fmt.Fprintln(out, "running: no")
	}
	return nil
}

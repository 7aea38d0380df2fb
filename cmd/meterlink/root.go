package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meterlink/internal/ble"
	"github.com/chaz8081/meterlink/internal/config"
	"github.com/chaz8081/meterlink/internal/netprobe"
	"github.com/chaz8081/meterlink/internal/permission"
)

type command interface {
	init(cli *Cli)
	getCommand() *cobra.Command
}

type globalOptions struct {
	ConfigPath string
	LogLevel   string
}

type baseCommand struct {
	cmd *cobra.Command
	cli *Cli
}

func (c *baseCommand) init(cli *Cli) {
	c.cli = cli
}

func (c *baseCommand) getCommand() *cobra.Command {
	return c.cmd
}

func (c *baseCommand) AddCommand(child command) {
	c.cmd.AddCommand(child.getCommand())
}

func newBaseCommand(cmd *cobra.Command) *baseCommand {
	return &baseCommand{cmd: cmd}
}

// Cli is the meterlink command tree plus the collaborators its commands
// share. The constructor fields are swapped out in tests.
type Cli struct {
	*baseCommand
	globalOptions

	cfg    *config.Config
	logger *slog.Logger
	stdin  *bufio.Reader

	newAdapter   func() ble.Adapter
	newRequester func(config.PermissionsConfig) (permission.Requester, error)
	newProbe     func(netprobe.Allower, *slog.Logger) netprobe.Probe
}

// NewCli builds the root command.
func NewCli() *Cli {
	c := &Cli{
		stdin:        bufio.NewReader(os.Stdin),
		newAdapter:   func() ble.Adapter { return ble.NewTinyGoAdapter() },
		newRequester: newRequester,
		newProbe: func(gate netprobe.Allower, logger *slog.Logger) netprobe.Probe {
			return netprobe.NewNetworkManager(gate, logger)
		},
	}

	c.baseCommand = newBaseCommand(&cobra.Command{
		Use:   "meterlink",
		Short: "Provision energy meters over Bluetooth LE",
		Long: `meterlink finds an energy meter over Bluetooth LE, hands it WiFi
credentials and waits for the meter to confirm it joined the network.`,
		Version: "0.1.0",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd.ErrOrStderr())
		},
	})

	c.cmd.SilenceUsage = true
	c.cmd.SilenceErrors = true

	c.cmd.PersistentFlags().StringVarP(&c.ConfigPath, "config", "c", "", "path to config file (default: ~/.config/meterlink/config.yaml)")
	c.cmd.PersistentFlags().StringVar(&c.LogLevel, "log-level", "", "log level: debug, info, warn or error (overrides config)")

	c.AddCommand(newScanCommand())
	c.AddCommand(newProvisionCommand())
	c.AddCommand(newSendCommand())
	c.AddCommand(newPulseCommand())
	c.AddCommand(newLoginCommand())
	c.AddCommand(newLogoutCommand())
	c.AddCommand(newDevicesCommand())
	c.AddCommand(newReportCommand())
	c.AddCommand(newConfigCommand())

	return c
}

func (c *Cli) AddCommand(child command) {
	child.init(c)
	c.baseCommand.AddCommand(child)
}

// setup loads the config and installs the default logger.
func (c *Cli) setup(stderr io.Writer) error {
	cfg, source, err := loadConfig(c.ConfigPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	c.cfg = cfg

	level := config.ParseLogLevel(cfg.LogLevel)
	c.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(c.logger)
	slog.Debug("config loaded", "source", source, "level", level.String())
	return nil
}

// Execute runs the command tree and returns the process exit code.
func (c *Cli) Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := c.cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(c.cmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. source names where
// the config came from.
func loadConfig(path string) (cfg *config.Config, source string, err error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, defaultPath, nil
	}

	// No config file, use defaults
	return config.Default(), "defaults", nil
}

// printBanner displays the configuration summary.
func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "=== meterlink ===")
	fmt.Fprintf(w, "  Service:  %s\n", cfg.BLE.ServiceUUID)
	fmt.Fprintf(w, "  Match:    %s (%s)\n", cfg.BLE.MatchMode, strings.Join(append(append([]string{}, cfg.BLE.DeviceNames...), cfg.BLE.NameSubstrings...), ", "))
	fmt.Fprintf(w, "  Perms:    %s tier via %s\n", cfg.Permissions.Tier, cfg.Permissions.Requester)
	fmt.Fprintf(w, "  Backend:  %s\n", cfg.Backend.BaseURL)
	fmt.Fprintf(w, "  Log:      %s\n", cfg.LogLevel)
	fmt.Fprintln(w, "=================")
}

// prompt reads one line from stdin when value is empty.
func (c *Cli) prompt(w io.Writer, label, value string) (string, error) {
	if value != "" {
		return value, nil
	}
	fmt.Fprintf(w, "%s: ", label)
	line, err := c.stdin.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(label), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

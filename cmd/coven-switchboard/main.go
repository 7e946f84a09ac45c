// ABOUTME: Entry point for the coven-switchboard daemon and its ops commands
// ABOUTME: Wires cobra commands around config loading and the gateway

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/coven-switchboard/internal/config"
	"github.com/2389/coven-switchboard/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
                                              _ _       _     _                         _
  _____      _____ _ __         _____      __(_) |_ ___| |__ | |__   ___   __ _ _ __ __| |
 / __\ \ /\ / / _ \ '_ \ _____ / __\ \ /\ / /| | __/ __| '_ \| '_ \ / _ \ / _' | '__/ _' |
| (__ \ V  V /  __/ | | |_____|\__ \\ V  V / | | || (__| | | | |_) | (_) | (_| | | | (_| |
 \___| \_/\_/ \___|_| |_|      |___/ \_/\_/  |_|\__\___|_| |_|_.__/ \___/ \__,_|_|  \__,_|
`

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: loading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(version).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coven-switchboard",
		Short: "Route chat-app traffic between connections and their agents",
		Long: `coven-switchboard keeps messaging connections alive, routes inbound
messages to the agents bound to them, delivers replies and can drive
autonomous conversations between connections.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate("coven-switchboard {{.Version}}\n")
	cmd.PersistentFlags().String("config", "", "config file (default $SWITCHBOARD_CONFIG or ~/.config/coven/switchboard.yaml)")

	cmd.AddCommand(
		newServeCmd(),
		newHealthCmd(),
		newConnectionsCmd(),
		newDedupeCmd(),
		newVersionCmd(version),
	)
	return cmd
}

// loadConfig resolves the config path for cmd and loads it. An empty path
// means no file was found and the built-in defaults apply.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	flag, _ := cmd.Flags().GetString("config")
	path := config.ResolvePath(flag)
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, "", err
		}
		return cfg, "", nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the switchboard daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	shownPath := configPath
	if shownPath == "" {
		shownPath = "(defaults)"
	}
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", shownPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Network:   %s\n", cfg.Protocol.Driver)

	if cfg.Autopilot.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Autopilot: every %s", cfg.Autopilot.Interval)
		gray.Printf(" (quiet %s)", cfg.Autopilot.QuietWindow)
		fmt.Println()
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting coven-switchboard",
		"config", shownPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Protocol.Driver,
		"provider", cfg.Completion.Provider,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(cmd.Context())
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "coven-switchboard %s\n", version)
		},
	}
}

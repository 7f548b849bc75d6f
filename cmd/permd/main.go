package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/permd/internal/config"
	"github.com/stellarlinkco/permd/internal/daemon"
	"github.com/stellarlinkco/permd/internal/paths"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "permd",
	Short:   "permd - remote approval for coding assistant permission prompts",
	Version: version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the permission daemon",
	RunE:  runDaemon,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Create the config file with defaults",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show permd configuration and daemon state",
	RunE:  runStatus,
}

var (
	configFlag string
	debugFlag  bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	rootCmd.AddCommand(runCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if debugFlag {
		cfg.Daemon.Debug = true
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "config: %v\n", e)
		}
		return fmt.Errorf("invalid configuration. Run 'permd onboard' or set PERMD_TELEGRAM_TOKEN / PERMD_TELEGRAM_CHAT_ID")
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	return d.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := paths.ConfigFile()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.Save(config.DefaultConfig()); err != nil {
			return err
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set telegram token and chat_id\n", cfgPath)
	fmt.Println("  2. Or set PERMD_TELEGRAM_TOKEN and PERMD_TELEGRAM_CHAT_ID")
	fmt.Println("  3. Point your assistant's permission hook at 'permd-hook'")
	fmt.Println("  4. Run 'permd run' to start the daemon")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", paths.ConfigFile())
	fmt.Printf("Socket: %s\n", cfg.Daemon.SocketPath)
	fmt.Printf("Idle timeout: %ds\n", cfg.Daemon.IdleTimeout)
	fmt.Printf("Request timeout: %ds\n", cfg.Daemon.RequestTimeout)

	if cfg.Telegram.Token != "" && len(cfg.Telegram.Token) > 8 {
		masked := cfg.Telegram.Token[:4] + "..." + cfg.Telegram.Token[len(cfg.Telegram.Token)-4:]
		fmt.Printf("Telegram token: %s\n", masked)
	} else if cfg.Telegram.Token != "" {
		fmt.Println("Telegram token: set")
	} else {
		fmt.Println("Telegram token: not set")
	}
	if cfg.Telegram.ChatID != 0 {
		fmt.Printf("Telegram chat: %d\n", cfg.Telegram.ChatID)
	} else {
		fmt.Println("Telegram chat: not set")
	}
	fmt.Printf("Digest: enabled=%v\n", cfg.Digest.Enabled)

	fmt.Printf("Daemon: %s\n", daemonState(cfg.Daemon.SocketPath))
	return nil
}

// daemonState probes the socket the same way the daemon's own stale
// check does.
func daemonState(socketPath string) string {
	if _, err := os.Stat(socketPath); err != nil {
		return "not running"
	}
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		return "not running (stale socket)"
	}
	conn.Close()
	return "running"
}

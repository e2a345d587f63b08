package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"davsync/internal/app"
	"davsync/internal/config"
	"davsync/internal/propagator"
	"davsync/internal/transport"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a SyncApp for the named folder.
// The caller must defer a.Close().
func newApp(folderName string, needPassword bool) (*app.SyncApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	password := ""
	if needPassword && cfg.Account.Password == "" {
		password, err = promptPassword(cfg.Account.Username)
		if err != nil {
			return nil, err
		}
	}

	a, err := app.New(cfg, folderName, password)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// promptPassword reads the account password from the terminal without echo.
func promptPassword(username string) (string, error) {
	fmt.Fprintf(os.Stderr, "Password for %s: ", username)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

var rootCmd = &cobra.Command{
	Use:   "davsync",
	Short: "ownCloud folder synchronization client",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init SERVER_URL USERNAME",
	Short: "Initialize configuration",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(args[0], args[1], defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Server:  %s\n", cfg.Account.URL)
		fmt.Printf("User:    %s\n", cfg.Account.Username)
		fmt.Println("Add folders to the config file before running davsync sync.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Server:  %s\n", cfg.Account.URL)
		fmt.Printf("User:    %s\n", cfg.Account.Username)
		fmt.Printf("Log Dir: %s\n", cfg.LogDir)
		for _, f := range cfg.Folders {
			shared := ""
			if f.SharedRoot {
				shared = "  [shared]"
			}
			fmt.Printf("Folder:  %-12s %s -> /%s%s\n", f.Name, f.LocalDir, f.RemoteDir, shared)
		}
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync [FOLDER]",
	Short: "Synchronize a folder with the server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		folder := ""
		if len(args) > 0 {
			folder = args[0]
		}

		a, err := newApp(folder, true)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Sync(cmd.Context())
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		errs := 0
		for _, item := range result.Completed {
			if item.Status.IsError() {
				errs++
				fmt.Printf("failed  %s: %s\n", item.File, item.ErrorString)
			}
		}
		fmt.Printf("Sync finished: %s, %d item(s), %d error(s), %s\n",
			result.Status, len(result.Completed), errs,
			result.Duration.Truncate(time.Millisecond))
		if result.AnotherSyncNeeded {
			fmt.Println("Another sync pass is needed to settle remaining changes.")
		}
		if result.Status != propagator.Success {
			return fmt.Errorf("sync completed with status %s", result.Status)
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status [FOLDER]",
	Short: "View journal status for a folder",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		folder := ""
		if len(args) > 0 {
			folder = args[0]
		}

		a, err := newApp(folder, false)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Status()
		if err != nil {
			return err
		}

		if !st.JournalExists {
			fmt.Println("No sync journal yet; run davsync sync first.")
			return nil
		}
		fmt.Printf("Tracked files:      %d\n", st.FileRecords)
		fmt.Printf("Pending downloads:  %d\n", st.PendingDownloads)
		fmt.Printf("Blacklist entries:  %d\n", st.BlacklistEntries)
		fmt.Printf("Pending poll jobs:  %d\n", st.PendingPolls)
		return nil
	},
}

// blacklist command
var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Manage the error blacklist",
}

var blacklistListCmd = &cobra.Command{
	Use:   "list [FOLDER]",
	Short: "List blacklisted paths",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		folder := ""
		if len(args) > 0 {
			folder = args[0]
		}

		a, err := newApp(folder, false)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.BlacklistEntries()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Blacklist is empty.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%-40s retries:%d  ignore:%ds  last:%s  %s\n",
				e.Path, e.RetryCount, e.IgnoreDuration,
				time.Unix(e.LastTryTime, 0).Format("2006-01-02 15:04:05"),
				e.ErrorString)
		}
		return nil
	},
}

var blacklistWipeCmd = &cobra.Command{
	Use:   "wipe [FOLDER]",
	Short: "Clear the blacklist so every path is retried",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		folder := ""
		if len(args) > 0 {
			folder = args[0]
		}

		a, err := newApp(folder, false)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.WipeBlacklist()
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d blacklist entr(ies)\n", n)
		return nil
	},
}

// probe command
var probeCmd = &cobra.Command{
	Use:   "probe SERVER_URL",
	Short: "Check that a server answers status.php",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := transport.NewClient(args[0], "", "", transport.Options{})
		if err != nil {
			return err
		}

		status, err := client.CheckServer(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("probing %s: %w", args[0], err)
		}

		fmt.Printf("Server:    %s\n", status.URL)
		fmt.Printf("Installed: %v\n", status.Installed)
		fmt.Printf("Version:   %s (%s)\n", status.VersionString, status.Version)
		if status.Edition != "" {
			fmt.Printf("Edition:   %s\n", status.Edition)
		}
		if len(status.PeerCertificates) > 0 {
			cert := status.PeerCertificates[0]
			fmt.Printf("TLS:       %s (expires %s)\n",
				cert.Subject.CommonName, cert.NotAfter.Format("2006-01-02"))
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	blacklistCmd.AddCommand(blacklistListCmd)
	blacklistCmd.AddCommand(blacklistWipeCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(blacklistCmd)
	rootCmd.AddCommand(probeCmd)
}

// Package cli implements the tghub command line.
package cli

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/tghub/tghub/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _        _           _     \n" +
		" | |_ __ _| |__  _   _| |__  \n" +
		" | __/ _` | '_ \\| | | | '_ \\ \n" +
		" | || (_| | | | | |_| | |_) |\n" +
		"  \\__\\__, |_| |_|\\__,_|_.__/ \n" +
		"     |___/                   \n"

	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "tghub",
	Short: "tghub - one Telegram hub for every student conversation",
	Long: color.CyanString(logo) + "\nRoutes business DMs, group chats and course-platform events into one " +
		"operator hub and drafts answers from the knowledge base.",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			_ = os.Setenv("TGHUB_CONFIG", configPath)
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.tghub/config.json)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(muteCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(auditCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader(cmd.OutOrStdout(), "🏷️ tghub Version")
		cmd.Printf("Version: %s\n", version)
	},
}

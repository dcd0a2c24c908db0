package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tghub/tghub/internal/config"
	"github.com/tghub/tghub/internal/memory"
)

var (
	statsHours int
	statsJSON  bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show hub activity for a recent window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if statsHours <= 0 {
			return fmt.Errorf("--hours must be positive")
		}
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		tl, err := openTimeline(cfg)
		if err != nil {
			return err
		}
		defer tl.Close()

		now := time.Now()
		st, err := tl.Stats(cmd.Context(), now.Add(-time.Duration(statsHours)*time.Hour))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if statsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		fmt.Fprintln(out, st.Format(now))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check configuration and local state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		printHeader(out, "🩺 tghub Status")

		path, _ := config.ConfigPath()
		cfg, err := config.Load()
		if err != nil {
			failLine(out, "Config", err.Error())
			return err
		}
		if err := cfg.Validate(); err != nil {
			failLine(out, "Config", path+": "+err.Error())
		} else {
			okLine(out, "Config", path)
		}

		tl, err := openTimeline(cfg)
		if err != nil {
			failLine(out, "Timeline", err.Error())
			return err
		}
		defer tl.Close()
		okLine(out, "Timeline", cfg.Paths.Database)

		if rows, err := tl.ListMutes(); err != nil {
			failLine(out, "Mutes", err.Error())
		} else {
			okLine(out, "Mutes", fmt.Sprintf("%d persisted", len(rows)))
		}

		chunks, err := memory.NewSQLiteChunkStore(tl.DB()).LoadChunks(cmd.Context())
		if err != nil {
			failLine(out, "Knowledge", err.Error())
		} else {
			docs := make(map[string]struct{})
			for _, c := range chunks {
				docs[c.DocumentID] = struct{}{}
			}
			okLine(out, "Knowledge", fmt.Sprintf("%d documents, %d chunks", len(docs), len(chunks)))
		}

		channel := func(name string, enabled bool) {
			if enabled {
				okLine(out, name, "enabled")
			} else {
				failLine(out, name, "disabled")
			}
		}
		channel("Telegram", cfg.Telegram.Enabled)
		channel("Slack", cfg.Slack.Enabled)
		channel("WhatsApp", cfg.WhatsApp.Enabled)
		channel("Course", cfg.Course.Enabled)
		channel("Drafts", cfg.Draft.Enabled)
		channel("Audit", cfg.Audit.Enabled)
		return nil
	},
}

func init() {
	statsCmd.Flags().IntVar(&statsHours, "hours", 24, "window size in hours")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print JSON")
}

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tghub/tghub/internal/audit"
	"github.com/tghub/tghub/internal/config"
)

var (
	auditGroup string
	auditRaw   bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit event stream",
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow audit events from Kafka",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Audit.Brokers == "" {
			return fmt.Errorf("audit.brokers is not set")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		return audit.Tail(ctx, cfg.Audit.Brokers, cfg.Audit.Topic, auditGroup, func(ev audit.Event) {
			if auditRaw {
				b, _ := json.Marshal(ev)
				fmt.Fprintln(out, string(b))
				return
			}
			fmt.Fprintf(out, "%s %-18s %s %s %s\n",
				ev.At.Format("15:04:05"), color.CyanString(ev.Type), ev.ThreadKey, ev.Status, ev.Detail)
		})
	},
}

func init() {
	auditTailCmd.Flags().StringVar(&auditGroup, "group", "", "consumer group (empty reads from the newest offset)")
	auditTailCmd.Flags().BoolVar(&auditRaw, "json", false, "print raw JSON events")
	auditCmd.AddCommand(auditTailCmd)
}

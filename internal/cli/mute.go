package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tghub/tghub/internal/config"
	"github.com/tghub/tghub/internal/policy"
)

var muteCmd = &cobra.Command{
	Use:   "mute",
	Short: "Manage persisted chat mutes",
	Long: "Edits the mute table stored in the timeline. A running serve picks up\n" +
		"changes on its next start; use /mute in the hub for live changes.",
}

var muteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active mutes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMutes(func(table *policy.MuteTable) error {
			out := cmd.OutOrStdout()
			active := table.List(time.Now())
			if len(active) == 0 {
				fmt.Fprintln(out, "No muted chats.")
				return nil
			}
			ids := make([]string, 0, len(active))
			for id := range active {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(out, "%-40s %s\n", id, active[id])
			}
			return nil
		})
	},
}

// Chat ids such as -100123 look like shorthand flags, so set and unset
// take their arguments verbatim.
var muteSetCmd = &cobra.Command{
	Use:                "set <chat-id> [duration|forever]",
	Short:              "Mute a chat",
	DisableFlagParsing: true,
	Args:               rawArgs(cobra.RangeArgs(1, 2)),
	RunE: func(cmd *cobra.Command, args []string) error {
		args, help := splitRawArgs(args)
		if help {
			return cmd.Help()
		}
		arg := ""
		if len(args) == 2 {
			arg = args[1]
		}
		spec, err := policy.ParseMuteSpec(arg, time.Now())
		if err != nil {
			return err
		}
		return setMute(cmd, args[0], spec)
	},
}

var muteUnsetCmd = &cobra.Command{
	Use:                "unset <chat-id>",
	Short:              "Unmute a chat",
	DisableFlagParsing: true,
	Args:               rawArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		args, help := splitRawArgs(args)
		if help {
			return cmd.Help()
		}
		return setMute(cmd, args[0], policy.MuteSpec{})
	},
}

func init() {
	muteCmd.AddCommand(muteListCmd, muteSetCmd, muteUnsetCmd)
}

// splitRawArgs separates positional arguments from --config and help.
// Everything after "--" is positional.
func splitRawArgs(args []string) ([]string, bool) {
	var pos []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			return append(pos, args[i+1:]...), false
		case a == "-h" || a == "--help":
			return nil, true
		case a == "--config" && i+1 < len(args):
			i++
			_ = os.Setenv("TGHUB_CONFIG", args[i])
		case strings.HasPrefix(a, "--config="):
			_ = os.Setenv("TGHUB_CONFIG", strings.TrimPrefix(a, "--config="))
		default:
			pos = append(pos, a)
		}
	}
	return pos, false
}

func rawArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		args, help := splitRawArgs(args)
		if help {
			return nil
		}
		return check(cmd, args)
	}
}

func setMute(cmd *cobra.Command, chatID string, spec policy.MuteSpec) error {
	return withMutes(func(table *policy.MuteTable) error {
		changed, err := table.SetMute(chatID, spec)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		switch {
		case !changed:
			fmt.Fprintf(out, "%s unchanged\n", chatID)
		case spec.IsNone():
			fmt.Fprintf(out, "%s unmuted\n", chatID)
		default:
			fmt.Fprintf(out, "%s muted %s\n", chatID, spec)
		}
		return nil
	})
}

func withMutes(fn func(table *policy.MuteTable) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	tl, err := openTimeline(cfg)
	if err != nil {
		return err
	}
	defer tl.Close()

	table := policy.NewMuteTable(tl)
	if err := loadMutes(tl, table); err != nil {
		return err
	}
	return fn(table)
}

package commands

import (
	"GoISG/internal/engine/protocol"

	"github.com/spf13/cobra"
)

var (
	sweepService string
	sweepClass   string
	sdescDynamic bool
)

var neCmd = &cobra.Command{
	Use:   "ne",
	Short: "Manage the traffic classification table",
	Long: `Network entries map destination networks to traffic classes. Entries are
staged with "ne add" and replace the live table atomically on "ne commit".

Examples:
  isgctl ne add 10.10.0.0/16 local
  isgctl ne add 0.0.0.0/0 internet
  isgctl ne commit`,
}

var neAddCmd = &cobra.Command{
	Use:   "add <network> <class>",
	Short: "Stage a network entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, mask, err := parseNetwork(args[0])
		if err != nil {
			return err
		}
		return send(cmd, &protocol.InEvent{Type: protocol.EventNEAddQueue, Prefix: prefix, Mask: mask, Class: args[1]})
	},
}

var neSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Discard the staged entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmd, &protocol.InEvent{Type: protocol.EventNESweepQueue})
	},
}

var neCommitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Replace the live table with the staged entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmd, &protocol.InEvent{Type: protocol.EventNECommit})
	},
}

var sdescCmd = &cobra.Command{
	Use:   "sdesc",
	Short: "Manage service descriptions",
}

var sdescAddCmd = &cobra.Command{
	Use:   "add <service> <class>",
	Short: "Add a traffic class to a service description, creating it if needed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ev := &protocol.InEvent{Type: protocol.EventSDescAdd, Service: args[0], Class: args[1]}
		if sdescDynamic {
			ev.SDescFlags |= protocol.SDescDynamic
		}
		return send(cmd, ev)
	},
}

var sdescSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove traffic classes from service descriptions",
	Long: `With --class the class is removed from every description. With --service the
named description is emptied. Without either every description is emptied.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmd, &protocol.InEvent{Type: protocol.EventSDescSweepTC, Service: sweepService, Class: sweepClass})
	},
}

func init() {
	neCmd.AddCommand(neAddCmd)
	neCmd.AddCommand(neSweepCmd)
	neCmd.AddCommand(neCommitCmd)

	sdescAddCmd.Flags().BoolVar(&sdescDynamic, "dynamic", false, "create the description as dynamic")
	sdescSweepCmd.Flags().StringVar(&sweepService, "service", "", "service description to empty")
	sdescSweepCmd.Flags().StringVar(&sweepClass, "class", "", "traffic class to remove everywhere")
	sdescCmd.AddCommand(sdescAddCmd)
	sdescCmd.AddCommand(sdescSweepCmd)
}

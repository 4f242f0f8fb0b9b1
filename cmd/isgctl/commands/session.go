package commands

import (
	"fmt"

	"GoISG/internal/engine/protocol"
	"GoISG/internal/engine/session"

	"github.com/spf13/cobra"
)

var (
	approveInfo infoFlags
	changeInfo  infoFlags
	changeUnset bool
	clearID     uint64
	clearIP     string
	listID      uint64
	serviceID   uint64
)

var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve a session, or create an approved one",
	Long: `Approve a pending session by id, or create an approved session for an
address the engine has not seen yet.

Examples:
  isgctl approve --id 17 --rate-in 2048:16000 --idle-timeout 10m
  isgctl approve --ip 10.0.0.5 --max-duration 24h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := approveInfo.info()
		if err != nil {
			return err
		}
		if info.ID == 0 && info.IPAddr == 0 {
			return fmt.Errorf("--id or --ip is required")
		}
		return send(cmd, &protocol.InEvent{Type: protocol.EventSessApprove, Info: info})
	},
}

var changeCmd = &cobra.Command{
	Use:   "change",
	Short: "Change the parameters or flags of a session",
	Long: `Change the policing rates, timeouts or flags of a session. With --flags the
named flags are set (or cleared with --unset) and the other fields are ignored.

Examples:
  isgctl change --id 17 --rate-in 512
  isgctl change --id 42 --flags status-on|tagger
  isgctl change --id 42 --flags status-on --unset`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := changeInfo.info()
		if err != nil {
			return err
		}
		if info.ID == 0 {
			return fmt.Errorf("--id is required")
		}
		ev := &protocol.InEvent{Type: protocol.EventSessChange, Info: info}
		if info.Flags != 0 {
			ev.FlagsOp = session.FlagOpSet
			if changeUnset {
				ev.FlagsOp = session.FlagOpUnset
			}
		}
		return send(cmd, ev)
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ev := &protocol.InEvent{Type: protocol.EventSessClear}
		ev.Info.ID = clearID
		if clearIP != "" {
			ip, err := parseIPv4(clearIP)
			if err != nil {
				return err
			}
			ev.Info.IPAddr = ip
		}
		if ev.Info.ID == 0 && ev.Info.IPAddr == 0 {
			return fmt.Errorf("--id or --ip is required")
		}
		return send(cmd, ev)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Ask for session info events",
	Long:  `Ask the engine to send an info event for one session, or for every session. The events go to the registered listener.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ev := &protocol.InEvent{Type: protocol.EventSessGetlist}
		ev.Info.ID = listID
		return send(cmd, ev)
	},
}

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Ask for a session count event",
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmd, &protocol.InEvent{Type: protocol.EventSessGetcount})
	},
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the services of a session",
}

var serviceApplyCmd = &cobra.Command{
	Use:   "apply <service>",
	Short: "Attach a service to a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if serviceID == 0 {
			return fmt.Errorf("--id is required")
		}
		ev := &protocol.InEvent{Type: protocol.EventServApply, Service: args[0]}
		ev.Info.ID = serviceID
		return send(cmd, ev)
	},
}

var serviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "Ask for info events of every service of a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serviceID == 0 {
			return fmt.Errorf("--id is required")
		}
		ev := &protocol.InEvent{Type: protocol.EventServGetlist}
		ev.Info.ID = serviceID
		return send(cmd, ev)
	},
}

func init() {
	approveInfo.register(approveCmd)
	changeInfo.register(changeCmd)
	changeCmd.Flags().BoolVar(&changeUnset, "unset", false, "clear the flags given with --flags instead of setting them")
	clearCmd.Flags().Uint64Var(&clearID, "id", 0, "session id")
	clearCmd.Flags().StringVar(&clearIP, "ip", "", "subscriber IPv4 address")
	listCmd.Flags().Uint64Var(&listID, "id", 0, "session id (default: every session)")

	serviceCmd.PersistentFlags().Uint64Var(&serviceID, "id", 0, "parent session id")
	serviceCmd.AddCommand(serviceApplyCmd)
	serviceCmd.AddCommand(serviceListCmd)
}

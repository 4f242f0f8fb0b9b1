package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"GoISG/internal/engine/protocol"

	"github.com/spf13/cobra"
)

var (
	watchSupersede   bool
	watchAutoApprove bool
	watchList        bool
	watchApprove     infoFlags
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Register as the namespace listener and print its events",
	Long: `Register this process as the listener of the namespace and print every
session event until interrupted. With --auto-approve every created session is
approved with the rates and timeouts given by the approve flags.

Examples:
  isgctl watch
  isgctl watch --auto-approve --rate-in 1024 --idle-timeout 5m
  isgctl watch --supersede`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchSupersede, "supersede", false, "replace an existing listener")
	watchCmd.Flags().BoolVar(&watchAutoApprove, "auto-approve", false, "approve every created session")
	watchCmd.Flags().BoolVar(&watchList, "list", false, "ask for the session count and every session once registered")
	watchApprove.register(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	template, err := watchApprove.info()
	if err != nil {
		return err
	}
	client, closeFn, err := dial()
	if err != nil {
		return err
	}
	defer closeFn()

	// Approvals run off the event delivery goroutine.
	approvals := make(chan uint64, 1024)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case id := <-approvals:
				info := template
				info.ID = id
				if err := client.Do(context.Background(), &protocol.InEvent{Type: protocol.EventSessApprove, Info: info}); err != nil {
					PrintErr("approve %d: %v", id, err)
				}
			case <-stop:
				return
			}
		}
	}()

	handler := func(ev *protocol.OutEvent) {
		printf(cmd, "%s\n", formatEvent(ev))
		if watchAutoApprove && ev.Type == protocol.EventSessCreate {
			select {
			case approvals <- ev.Info.ID:
			default:
				PrintErr("approve %d: backlog full", ev.Info.ID)
			}
		}
	}
	if err := client.Register(context.Background(), watchSupersede, handler); err != nil {
		close(stop)
		return err
	}
	printf(cmd, "registered as pid %d\n", client.PID())
	if watchList {
		for _, typ := range []protocol.EventType{protocol.EventSessGetcount, protocol.EventSessGetlist} {
			if err := client.Do(context.Background(), &protocol.InEvent{Type: typ}); err != nil {
				PrintErr("%s: %v", typ, err)
			}
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	err = client.Unregister(context.Background())
	close(stop)
	<-done
	return err
}

// Package commands implements the isgctl controller commands.
package commands

import (
	"context"
	"fmt"
	"time"

	"GoISG/internal/config"
	"GoISG/internal/engine/protocol"
	"GoISG/internal/transport"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var (
	// Global flags.
	cfgFile    string
	nsName     string
	natsURL    string
	version    uint32
	cmdTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "isgctl",
	Short: "isgctl - controller for the ISG session engine",
	Long: `isgctl talks to a running isg-engine over NATS. It approves, changes and
clears subscriber sessions, manages traffic classification and service
descriptions, and can act as the namespace's registered listener.

Most commands require a registered listener in the namespace; run
"isgctl watch" in another terminal first.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "engine config file (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVarP(&nsName, "namespace", "n", "", "namespace (default: first configured namespace)")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats", "", "NATS URL (overrides transport.nats_url)")
	rootCmd.PersistentFlags().Uint32Var(&version, "protocol", uint32(protocol.Version1), "wire layout version (0 or 1)")
	rootCmd.PersistentFlags().DurationVar(&cmdTimeout, "timeout", 5*time.Second, "per-command timeout")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(changeCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(countCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(neCmd)
	rootCmd.AddCommand(sdescCmd)
	rootCmd.AddCommand(tunablesCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(cfgFile)
}

func namespaceOf(cfg *config.Config) string {
	if nsName != "" {
		return nsName
	}
	return cfg.Engine.Namespaces[0]
}

// dial connects to NATS and returns a client for the selected namespace.
func dial() (*transport.Client, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if version != uint32(protocol.Version0) && version != uint32(protocol.Version1) {
		return nil, nil, fmt.Errorf("unsupported protocol version %d", version)
	}
	url := cfg.Transport.NATSURL
	if natsURL != "" {
		url = natsURL
	}
	nc, err := nats.Connect(url, nats.Name("isgctl"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	client := transport.NewClient(nc, transport.ClientConfig{
		CommandSubject: cfg.Transport.CommandSubject,
		EventSubject:   cfg.Transport.EventSubject,
		Namespace:      namespaceOf(cfg),
		Version:        protocol.Version(version),
		Timeout:        cmdTimeout,
	}, nil)
	return client, nc.Close, nil
}

// send delivers one command and reports the reply.
func send(cmd *cobra.Command, ev *protocol.InEvent) error {
	client, closeFn, err := dial()
	if err != nil {
		return err
	}
	defer closeFn()
	if err := client.Do(context.Background(), ev); err != nil {
		return err
	}
	printf(cmd, "%s: ok\n", ev.Type)
	return nil
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}

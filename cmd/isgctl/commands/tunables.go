package commands

import (
	"context"
	"sort"

	"GoISG/internal/engine/namespace"
	"GoISG/internal/tunables"

	"github.com/spf13/cobra"
)

var tunablesCmd = &cobra.Command{
	Use:   "tunables",
	Short: "Inspect and override namespace runtime parameters in Redis",
	Long: `Runtime parameters override the engine defaults per namespace. The engine
picks changes up on its next tunables refresh.

Examples:
  isgctl tunables get -n edge
  isgctl tunables set idle_timeout 15m -n edge
  isgctl tunables reset -n edge`,
}

var tunablesGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the effective parameters of a namespace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *tunables.Store, ns string, base namespace.Params) error {
			p, err := store.Load(ctx, ns, base)
			if err != nil {
				return err
			}
			values := tunables.Encode(p)
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				printf(cmd, "%-24s %s\n", k, values[k])
			}
			return nil
		})
	},
}

var tunablesSetCmd = &cobra.Command{
	Use:       "set <field> <value>",
	Short:     "Override one parameter",
	Args:      cobra.ExactArgs(2),
	ValidArgs: tunables.Fields(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *tunables.Store, ns string, _ namespace.Params) error {
			if err := store.Set(ctx, ns, args[0], args[1]); err != nil {
				return err
			}
			printf(cmd, "%s/%s = %s\n", ns, args[0], args[1])
			return nil
		})
	},
}

var tunablesResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every override of a namespace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *tunables.Store, ns string, _ namespace.Params) error {
			if err := store.Reset(ctx, ns); err != nil {
				return err
			}
			printf(cmd, "%s: overrides removed\n", ns)
			return nil
		})
	},
}

var tunablesSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Store the configured defaults as the namespace's parameters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *tunables.Store, ns string, base namespace.Params) error {
			if err := store.Save(ctx, ns, base); err != nil {
				return err
			}
			printf(cmd, "%s: stored %d fields\n", ns, len(tunables.Fields()))
			return nil
		})
	},
}

func init() {
	tunablesCmd.AddCommand(tunablesGetCmd)
	tunablesCmd.AddCommand(tunablesSeedCmd)
	tunablesCmd.AddCommand(tunablesSetCmd)
	tunablesCmd.AddCommand(tunablesResetCmd)
}

func withStore(fn func(ctx context.Context, store *tunables.Store, ns string, base namespace.Params) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store := tunables.New(cfg.Tunables, nil)
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		return err
	}
	return fn(ctx, store, namespaceOf(cfg), namespace.ParamsFromConfig(cfg.Engine.Defaults))
}

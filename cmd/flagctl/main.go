// Command flagctl administers feature flags: read, set, roll out by
// percentage, and test per-user resolution.
package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/aamlabs/agent-fabric/internal/flags"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type cli struct {
	redisURL string
	tenant   string

	rdb   *redis.Client
	store *flags.Store
}

func (c *cli) connect() error {
	opt, err := redis.ParseURL(c.redisURL)
	if err != nil {
		return fmt.Errorf("invalid redis url %q: %w", c.redisURL, err)
	}
	c.rdb = redis.NewClient(opt)
	c.store = flags.NewStore(c.rdb)
	return nil
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "flagctl",
		Short:         "Administer tenant feature flags",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return c.connect()
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if c.rdb != nil {
				_ = c.rdb.Close()
			}
		},
	}

	defaultURL := os.Getenv("REDIS_URL")
	if defaultURL == "" {
		defaultURL = "redis://localhost:6379/0"
	}
	root.PersistentFlags().StringVar(&c.redisURL, "redis-url", defaultURL, "redis connection url")
	root.PersistentFlags().StringVar(&c.tenant, "tenant", flags.DefaultTenant, "tenant scope")

	root.AddCommand(newGetCmd(c))
	root.AddCommand(newSetCmd(c))
	root.AddCommand(newSetPercentageCmd(c))
	root.AddCommand(newClearCmd(c))
	root.AddCommand(newListCmd(c))
	root.AddCommand(newTestUserCmd(c))
	return root
}

func newGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get <flag>",
		Short: "Print a flag's stored value and rollout percentage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flag := args[0]
			ctx := cmd.Context()

			value, err := c.rdb.Get(ctx, fmt.Sprintf("feature_flag:%s:%s", flag, c.tenant)).Result()
			switch {
			case err == redis.Nil:
				fmt.Printf("%s[%s] = <unset>\n", flag, c.tenant)
			case err != nil:
				return err
			default:
				fmt.Printf("%s[%s] = %s\n", flag, c.tenant, value)
			}

			pct, err := c.rdb.Get(ctx, fmt.Sprintf("feature_flag:%s:%s:percentage", flag, c.tenant)).Result()
			if err == nil {
				fmt.Printf("%s[%s] rollout = %s%%\n", flag, c.tenant, pct)
			} else if err != redis.Nil {
				return err
			}
			return nil
		},
	}
}

func newSetCmd(c *cli) *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "set <flag>",
		Short: "Persist a flag value for the tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("--value must be true or false, got %q", value)
			}
			if err := c.store.Set(cmd.Context(), args[0], c.tenant, enabled); err != nil {
				return err
			}
			fmt.Printf("%s[%s] = %t\n", args[0], c.tenant, enabled)
			return nil
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "true or false")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func newSetPercentageCmd(c *cli) *cobra.Command {
	var pct int
	cmd := &cobra.Command{
		Use:   "set-percentage <flag>",
		Short: "Set a percentage rollout (0-100) for the tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.store.SetPercentage(cmd.Context(), args[0], c.tenant, pct); err != nil {
				return err
			}
			fmt.Printf("%s[%s] rollout = %d%%\n", args[0], c.tenant, pct)
			return nil
		},
	}
	cmd.Flags().IntVar(&pct, "percentage", 0, "rollout percentage, 0-100")
	_ = cmd.MarkFlagRequired("percentage")
	return cmd
}

func newClearCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <flag>",
		Short: "Remove a flag's value and percentage for the tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.store.Clear(cmd.Context(), args[0], c.tenant); err != nil {
				return err
			}
			fmt.Printf("%s[%s] cleared\n", args[0], c.tenant)
			return nil
		},
	}
}

func newListCmd(c *cli) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := c.store.List(cmd.Context())
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(entries))
			for key := range entries {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			suffix := ":" + c.tenant
			pctSuffix := suffix + ":percentage"
			for _, key := range keys {
				if !all && !strings.HasSuffix(key, suffix) && !strings.HasSuffix(key, pctSuffix) {
					continue
				}
				fmt.Printf("%s = %s\n", key, entries[key])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every tenant, not just --tenant")
	return cmd
}

func newTestUserCmd(c *cli) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "test-user <flag>",
		Short: "Resolve a flag the way the given user would see it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled := c.store.IsEnabledForUser(cmd.Context(), args[0], c.tenant, userID)
			fmt.Printf("%s[%s] for user %s = %t\n", args[0], c.tenant, userID, enabled)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user id to bucket")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashureev/turnstream/internal/relay"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func watchCmd() *cobra.Command {
	var (
		addr     string
		password string
		prefix   string
	)
	cmd := &cobra.Command{
		Use:   "watch [session]",
		Short: "Follow finalized turns of a session through the Redis relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("connect to redis %s: %w", addr, err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for ev, err := range relay.Subscribe(ctx, rdb, prefix, args[0]) {
				if err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "watch:", err)
					continue
				}
				if err := enc.Encode(ev); err != nil {
					return err
				}
				if ev.Removed {
					return nil
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "redis", envOr("REDIS_ADDR", "localhost:6379"), "redis address")
	cmd.Flags().StringVar(&password, "redis-password", envOr("REDIS_PASSWORD", ""), "redis password")
	cmd.Flags().StringVar(&prefix, "prefix", envOr("REDIS_CHANNEL_PREFIX", relay.DefaultPrefix), "relay channel prefix")

	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/brieflyhq/briefly/internal/cache"
)

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage cache entries",
	}
	cmd.AddCommand(
		cacheKeyCmd(),
		cacheGetCmd(),
		cacheTTLCmd(),
		cacheDelCmd(),
		cachePurgeCmd(),
		cacheInvalidateCmd(),
	)
	return cmd
}

// withStore connects, runs fn and disconnects. It fails fast when the
// store cannot be reached instead of waiting out the reconnect policy.
func withStore(ctx context.Context, fn func(*cache.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := cache.NewConnectionManager(cfg.CacheOptions())
	if err != nil {
		return err
	}
	defer conn.Disconnect()

	conn.Connect(ctx)
	if !conn.IsAvailable() {
		return fmt.Errorf("cache store at %s is not reachable", cfg.Redis.URL)
	}
	return fn(cache.NewStore(conn, cfg.StoreOptions()...))
}

func resultErr[T any](op string, r cache.Result[T]) error {
	if r.Degraded() {
		return fmt.Errorf("%s: %s: %v", op, r.Status, r.Err)
	}
	return nil
}

func cacheKeyCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "key <namespace> <id>",
		Short: "Print the cache key derived for an identifier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := deriveKey(args[0], args[1], asJSON)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Treat id as a JSON document and hash it")
	return cmd
}

func deriveKey(namespace, id string, asJSON bool) (string, error) {
	if !asJSON {
		return cache.DeriveKey(namespace, id), nil
	}
	var v any
	if err := json.Unmarshal([]byte(id), &v); err != nil {
		return "", fmt.Errorf("parse id: %w", err)
	}
	return cache.DeriveKey(namespace, v), nil
}

func cacheGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the JSON value stored under a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(s *cache.Store) error {
				var raw json.RawMessage
				r := s.Read(cmd.Context(), args[0], &raw)
				if err := resultErr("get", r); err != nil {
					return err
				}
				if r.Status == cache.StatusMiss {
					return fmt.Errorf("%s: not found", args[0])
				}
				return printJSON(cmd.OutOrStdout(), raw)
			})
		},
	}
}

func cacheTTLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ttl <key>",
		Short: "Print the remaining lifetime of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(s *cache.Store) error {
				r := s.TimeToLive(cmd.Context(), args[0])
				if err := resultErr("ttl", r); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatTTL(r.Value))
				return nil
			})
		},
	}
}

func formatTTL(secs int64) string {
	switch secs {
	case cache.TTLAbsent:
		return "absent"
	case cache.TTLNoExpiry:
		return "no expiry"
	default:
		return (time.Duration(secs) * time.Second).String()
	}
}

func cacheDelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>...",
		Short: "Delete keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(s *cache.Store) error {
				for _, key := range args {
					if err := resultErr("del", s.Delete(cmd.Context(), key)); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", key)
				}
				return nil
			})
		},
	}
}

func cachePurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <pattern>",
		Short: "Delete every key matching a glob pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(s *cache.Store) error {
				r := s.DeleteByPattern(cmd.Context(), args[0])
				if err := resultErr("purge", r); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d keys\n", r.Value)
				return nil
			})
		},
	}
}

func cacheInvalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <owner-id>",
		Short: "Delete every cache entry that belongs to an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(s *cache.Store) error {
				n := cache.NewInvalidator(s).InvalidateOwner(cmd.Context(), args[0])
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d keys for owner %s\n", n, args[0])
				return nil
			})
		},
	}
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

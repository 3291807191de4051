package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/ihacdn/internal/config"
	"github.com/dharsanguruparan/ihacdn/internal/ident"
	"github.com/dharsanguruparan/ihacdn/internal/logging"
	"github.com/dharsanguruparan/ihacdn/internal/model"
	"github.com/dharsanguruparan/ihacdn/internal/purge"
	"github.com/dharsanguruparan/ihacdn/internal/queue"
	"github.com/dharsanguruparan/ihacdn/internal/retention"
	"github.com/dharsanguruparan/ihacdn/internal/storage"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ihacdn: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "ihacdn",
		Short:        "ihaCDN administration CLI",
		Long:         `ihacdn manages an ihaCDN deployment: writing and checking configuration, running purge sweeps and inspecting stored objects.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Configuration file")
	cmd.AddCommand(
		newPurgeCmd(),
		newConfigCmd(),
		newInspectCmd(),
	)
	return cmd
}

func newPurgeCmd() *cobra.Command {
	var viaQueue bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Run one purge sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if viaQueue {
				opt, err := queue.RedisOpt(cfg.Redis)
				if err != nil {
					return err
				}
				client := asynq.NewClient(opt)
				defer client.Close()
				if err := queue.EnqueuePurge(ctx, client); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "purge queued")
				return nil
			}

			logger := logging.Setup(cfg.LogLevel, "console")
			store, err := storage.NewRedisStore(ctx, cfg.Redis)
			if err != nil {
				return err
			}
			defer store.Close()
			res, err := runPurge(ctx, store, cfg, logger)
			if res != nil {
				printPurge(cmd.OutOrStdout(), res)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&viaQueue, "queue", false, "Enqueue the sweep for the worker instead of running it here")
	return cmd
}

func runPurge(ctx context.Context, store storage.Store, cfg *config.Config, logger zerolog.Logger) (*purge.Result, error) {
	if !cfg.Retention.Enable {
		return nil, errors.New("file_retention is disabled")
	}
	return purge.New(store, cfg.Prefix(), retention.FromConfig(cfg), logger).Run(ctx)
}

func printPurge(w io.Writer, res *purge.Result) {
	fmt.Fprintf(w, "scanned %d, expired %d, deleted %d, failed %d (%s)\n",
		res.Scanned, res.Expired, res.Deleted, len(res.Failed), res.Duration.Round(time.Millisecond))
	for id, err := range res.Failed {
		fmt.Fprintf(w, "  %s: %v\n", id, err)
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or validate the configuration file",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigCheckCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			}
			if err := config.Default().Save(configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", configPath)
			if !cfg.AdminEnabled() {
				fmt.Fprintln(cmd.OutOrStdout(), "warning: admin_password is the default, admin uploads are disabled")
			}
			return nil
		},
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <id>",
		Short: "Print the stored record for an identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			store, err := storage.NewRedisStore(ctx, cfg.Redis)
			if err != nil {
				return err
			}
			defer store.Close()
			return inspect(ctx, cmd.OutOrStdout(), store, cfg, args[0], time.Now())
		},
	}
}

// inspection is what "inspect" prints alongside the raw record.
type inspection struct {
	ID      string          `json:"id"`
	Record  json.RawMessage `json:"record"`
	Kind    model.Kind      `json:"kind"`
	Size    string          `json:"size,omitempty"`
	Missing bool            `json:"file_missing,omitempty"`
	Expires string          `json:"expires,omitempty"`
	Expired bool            `json:"expired,omitempty"`
}

func inspect(ctx context.Context, w io.Writer, store storage.Store, cfg *config.Config, id string, now time.Time) error {
	taken, err := ident.New(store, cfg.Prefix()).Exists(ctx, id)
	if err != nil {
		return err
	}
	if !taken {
		return fmt.Errorf("%s: no such identifier", id)
	}
	data, err := store.Get(ctx, storage.Key(cfg.Prefix(), id))
	// Purged between the two lookups.
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: no such identifier", id)
	}
	if err != nil {
		return err
	}
	rec, err := model.Decode(data)
	if errors.Is(err, model.ErrReserved) {
		fmt.Fprintf(w, "%s is reserved by an upload in progress\n", id)
		return nil
	}
	if err != nil {
		return err
	}

	out := inspection{ID: id, Record: data, Kind: rec.Kind()}
	if blob, ok := model.BlobOf(rec); ok {
		info, err := os.Stat(blob.Path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			out.Missing = true
		case err != nil:
			return err
		default:
			out.Size = humanize.IBytes(uint64(info.Size()))
			policy := retention.FromConfig(cfg)
			if limit := policy.Limit(blob.Admin); policy.Enabled && !blob.Admin && limit != nil {
				out.Expires = blob.Added().Add(policy.MaxAgeFor(info.Size(), *limit)).UTC().Format(time.RFC3339)
			}
		}
		if cfg.Retention.Enable {
			out.Expired, err = retention.FromConfig(cfg).IsExpired(rec, now)
			if err != nil {
				return err
			}
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

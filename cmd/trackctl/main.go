// Command trackctl is the operations CLI for trackbot.
//
// Usage:
//
//	trackctl validate
//	trackctl items list [--tenant telegram:-100123]
//	trackctl items add dQw4w9WgXcQ --tenant telegram:-100123 --title "MV"
//	trackctl items remove dQw4w9WgXcQ --tenant telegram:-100123
//	trackctl milestones [--tenant telegram:-100123]
//	trackctl check dQw4w9WgXcQ
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"trackbot/internal/app"
	"trackbot/internal/config"
	"trackbot/internal/render"
	"trackbot/internal/source/youtube"
	"trackbot/internal/storage"
	logx "trackbot/pkg/logx"
)

var (
	cfgPath string
	verbose bool
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "trackctl",
		Short:         "trackbot operations CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(validateCmd())
	root.AddCommand(itemsCmd())
	root.AddCommand(milestonesCmd())
	root.AddCommand(checkCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func cliLogger() logx.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	return logx.NewConsole(level)
}

// withStore handles config loading, storage setup and signal cancellation.
func withStore(fn func(ctx context.Context, cfg *config.Config, st storage.Store) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	stCfg, err := app.StorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(ctx, stCfg, cliLogger())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.Close()

	return fn(ctx, cfg, st)
}

// --------------------------------------------------------------------------
// validate
// --------------------------------------------------------------------------

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := app.ValidateConfig(cfg); err != nil {
				return err
			}
			tz := strings.TrimSpace(cfg.Scheduler.Timezone)
			if tz == "" {
				tz = "Asia/Seoul"
			}
			checkpoints := strings.Join(cfg.Tracker.Checkpoints, ", ")
			if checkpoints == "" {
				checkpoints = "00:00, 12:00, 17:00"
			}
			fmt.Println("config OK")
			fmt.Printf("  storage:     %s\n", cfg.Storage.Driver)
			fmt.Printf("  timezone:    %s\n", tz)
			fmt.Printf("  checkpoints: %s\n", checkpoints)
			fmt.Printf("  tracker:     enabled=%v\n", cfg.Tracker.Enabled)
			fmt.Printf("  slack:       enabled=%v\n", cfg.Slack != nil && cfg.Slack.Enabled)
			return nil
		},
	}
}

// --------------------------------------------------------------------------
// items
// --------------------------------------------------------------------------

func itemsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "items",
		Short: "Inspect and edit tracked items",
	}
	cmd.AddCommand(itemsListCmd())
	cmd.AddCommand(itemsAddCmd())
	cmd.AddCommand(itemsRemoveCmd())
	return cmd
}

func itemsListCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, st storage.Store) error {
				var (
					items []storage.TrackedItem
					err   error
				)
				if tenant != "" {
					items, err = st.ListItems(ctx, tenant)
				} else {
					items, err = st.ListAllItems(ctx)
				}
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Println("no tracked items")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TENANT\tVIDEO\tTITLE\tVIEWS\tCHECKED")
				for _, it := range items {
					views := "-"
					if it.HasCount {
						views = render.Count(it.LastCount)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						it.Tenant, it.ItemID, it.Title, views, render.Ago(it.LastChecked))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", `limit to one tenant, e.g. "telegram:-100123"`)
	return cmd
}

func itemsAddCmd() *cobra.Command {
	var tenant, title, channel string
	cmd := &cobra.Command{
		Use:   "add <video-id>",
		Short: "Track a video for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return fmt.Errorf("empty video id")
			}
			if tenant == "" {
				return fmt.Errorf("--tenant is required")
			}
			return withStore(func(ctx context.Context, cfg *config.Config, st storage.Store) error {
				alertRef := channel
				if alertRef == "" {
					alertRef = tenant
				}
				start := time.Now()

				created, err := st.UpsertItem(ctx, storage.TrackedItem{
					ItemID:       id,
					Tenant:       tenant,
					Title:        strings.TrimSpace(title),
					ChannelRef:   alertRef,
					AlertChannel: alertRef,
					AddedBy:      "cli:trackctl",
					AddedAt:      time.Now(),
				})
				if err != nil {
					return err
				}

				// Measure once when a key is at hand, so a bad id fails here
				// and the watermark is primed before the first sweep.
				srcCfg, err := app.SourceConfig(cfg)
				if err == nil && srcCfg.APIKey != "" {
					client := youtube.NewClient(srcCfg, cliLogger())
					views, ferr := client.FetchViews(ctx, id)
					if ferr != nil {
						return fmt.Errorf("measure %s: %w", id, ferr)
					}
					if err := st.RecordObservation(ctx, id, tenant, views, time.Now()); err != nil {
						return err
					}
					step := cfg.Tracker.Step
					if step <= 0 {
						step = 1_000_000
					}
					if _, err := st.AdvanceMilestone(ctx, id, tenant, views/step); err != nil {
						return err
					}
					fmt.Printf("tracking %s (%s views)\n", id, render.Count(views))
				} else {
					fmt.Printf("tracking %s (not measured, no api key)\n", id)
				}

				_ = st.AppendAudit(ctx, storage.AuditEntry{
					At:     time.Now(),
					Actor:  "cli:trackctl",
					Tenant: tenant,
					Action: "track",
					Target: id,
					OK:     1,
					TookMS: time.Since(start).Milliseconds(),
				})
				if !created {
					fmt.Println("(already tracked, metadata refreshed)")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", `tenant scope, e.g. "telegram:-100123"`)
	cmd.Flags().StringVar(&title, "title", "", "display title")
	cmd.Flags().StringVar(&channel, "channel", "", "alert channel ref (defaults to the tenant chat)")
	return cmd
}

func itemsRemoveCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "remove <video-id>",
		Short: "Stop tracking a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if tenant == "" {
				return fmt.Errorf("--tenant is required")
			}
			return withStore(func(ctx context.Context, cfg *config.Config, st storage.Store) error {
				start := time.Now()
				if err := st.RemoveItem(ctx, id, tenant); err != nil {
					return err
				}
				_ = st.AppendAudit(ctx, storage.AuditEntry{
					At:     time.Now(),
					Actor:  "cli:trackctl",
					Tenant: tenant,
					Action: "untrack",
					Target: id,
					OK:     1,
					TookMS: time.Since(start).Milliseconds(),
				})
				fmt.Println("stopped tracking", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", `tenant scope, e.g. "telegram:-100123"`)
	return cmd
}

// --------------------------------------------------------------------------
// milestones
// --------------------------------------------------------------------------

func milestonesCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "milestones",
		Short: "Show per-item milestone watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, st storage.Store) error {
				tenants := []string{tenant}
				if tenant == "" {
					var err error
					tenants, err = st.ListTenants(ctx)
					if err != nil {
						return err
					}
				}
				step := cfg.Tracker.Step
				if step <= 0 {
					step = 1_000_000
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TENANT\tVIDEO\tANNOUNCED\tPRIMED\tCHANNEL")
				rows := 0
				for _, tn := range tenants {
					miles, err := st.ListMilestones(ctx, tn)
					if err != nil {
						return err
					}
					for _, m := range miles {
						announced := "-"
						if m.Primed && m.LastCrossed > 0 {
							announced = render.Count(m.LastCrossed * step)
						}
						channel := m.NotifyChannel
						if channel == "" {
							channel = "(item default)"
						}
						fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
							tn, m.ItemID, announced, m.Primed, channel)
						rows++
					}
				}
				if rows == 0 {
					fmt.Println("no milestone state yet")
					return nil
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", `limit to one tenant, e.g. "telegram:-100123"`)
	return cmd
}

// --------------------------------------------------------------------------
// check
// --------------------------------------------------------------------------

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <video-id>",
		Short: "Fetch the live view count once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			srcCfg, err := app.SourceConfig(cfg)
			if err != nil {
				return err
			}
			if srcCfg.APIKey == "" {
				return fmt.Errorf("youtube api key required (tracker.source.api_key or YOUTUBE_API_KEY)")
			}
			client := youtube.NewClient(srcCfg, cliLogger())
			views, err := client.FetchViews(ctx, strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s views\n", args[0], render.Count(views))
			return nil
		},
	}
}

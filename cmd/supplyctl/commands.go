package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"supply-agent/internal/app"
	"supply-agent/internal/config"
	"supply-agent/internal/domain"
	"supply-agent/internal/logging"
	"supply-agent/internal/usecase"
)

// cli carries what every subcommand needs; flags bind into v.
type cli struct {
	v   *viper.Viper
	out io.Writer
}

func newRootCmd(v *viper.Viper, out io.Writer) *cobra.Command {
	c := &cli{v: v, out: out}
	root := &cobra.Command{
		Use:   "supplyctl",
		Short: "Supply chain risk agent",
		Long: `supplyctl turns supply chain risk news into supplier outreach.
- run: fetch news, pick the most critical risk, research alternative suppliers and email them.
- replies: answer supplier replies on threads opened by run, closing a thread once a quote is in.
- suppliers / conversation: inspect what has been stored.`,
		SilenceUsage: true,
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.String("config", "", "YAML config file (env SUPPLY_AGENT_CONFIG)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	flags.String("store", "", "store driver: sqlite or dynamodb")
	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = v.BindPFlag("store.driver", flags.Lookup("store"))

	suppliers := &cobra.Command{Use: "suppliers", Short: "Inspect and update suppliers"}
	suppliers.AddCommand(c.suppliersListCmd(), c.suppliersSetStatusCmd())
	conversation := &cobra.Command{Use: "conversation", Short: "Inspect conversations"}
	conversation.AddCommand(c.conversationShowCmd())

	root.AddCommand(c.runCmd(), c.repliesCmd(), suppliers, conversation, c.configCmd())
	return root
}

func (c *cli) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.v, c.v.GetString("config"))
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func (c *cli) withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once: news, risk analysis, research, extraction, persistence, outreach",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Pipeline(ctx)
				if err != nil {
					return err
				}
				printer := newEventPrinter(c.out)
				p.OnEvent(printer.print)
				state, err := p.Run(ctx)
				if err != nil {
					return err
				}
				printer.summary(state)
				return nil
			})
		},
	}
}

func (c *cli) repliesCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "replies",
		Short: "Answer unread supplier replies once, or every --interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval < 0 {
				return errors.New("--interval must not be negative")
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				svc, err := a.Replies(ctx)
				if err != nil {
					return err
				}
				return pollInbox(ctx, interval, func(ctx context.Context) error {
					sum, err := svc.ProcessInbox(ctx)
					printReplySummary(c.out, sum)
					return err
				})
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval; 0 runs a single pass")
	return cmd
}

// pollInbox runs pass once when interval is zero. Otherwise it runs pass on
// every tick until ctx is done; a failed pass is logged and the next tick runs
// as usual, except for configuration errors which no later pass can recover.
func pollInbox(ctx context.Context, interval time.Duration, pass func(context.Context) error) error {
	err := pass(ctx)
	if interval == 0 {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if usecase.CodeOf(err) == usecase.ErrorConfiguration {
				return err
			}
			slog.Warn("inbox pass failed", "error", err, "code", usecase.CodeOf(err), "retry_in", interval)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err = pass(ctx)
		}
	}
}

func (c *cli) suppliersListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List suppliers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter domain.SupplierStatus
			if status != "" {
				s, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				filter = s
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				list, err := a.Store().ListSuppliers(ctx, filter)
				if err != nil {
					return err
				}
				renderSuppliers(c.out, list)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func (c *cli) suppliersSetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <supplier-id> <status>",
		Short: "Move a supplier to another status, e.g. quoted once a quote is approved",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := domain.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Store().UpdateStatus(ctx, args[0], status); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "supplier %s is now %s\n", args[0], status)
				return nil
			})
		},
	}
}

func (c *cli) conversationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <thread-id>",
		Short: "Show the messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				conv, err := a.Store().FindConversation(ctx, args[0])
				if err != nil {
					return err
				}
				supplier, err := a.Store().GetSupplier(ctx, conv.SupplierID)
				if err != nil {
					return err
				}
				renderConversation(c.out, supplier, conv)
				return nil
			})
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration without secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.v, c.v.GetString("config"))
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = c.out.Write(out)
			return err
		},
	}
}

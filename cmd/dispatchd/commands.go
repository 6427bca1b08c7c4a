package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hookline/dispatch/api"
	"github.com/hookline/dispatch/engine"
	"github.com/hookline/dispatch/internal/config"
	"github.com/hookline/dispatch/job"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending store migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.logger.Info("migrations applied", slog.String("store", a.cfg.StoreDriver))
			return nil
		},
	}
}

func enqueueCmd() *cobra.Command {
	var (
		queue       string
		priority    int
		maxAttempts int
		delay       time.Duration
		dedupeKey   string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <kind> <payload-json>",
		Short: "Validate and enqueue one job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			eng, err := a.policyEngine()
			if err != nil {
				return err
			}

			var opts []job.Option
			if queue != "" {
				opts = append(opts, job.WithQueue(queue))
			}
			if cmd.Flags().Changed("priority") {
				opts = append(opts, job.WithPriority(priority))
			}
			if cmd.Flags().Changed("max-attempts") {
				opts = append(opts, job.WithMaxAttempts(maxAttempts))
			}
			if delay > 0 {
				opts = append(opts, job.WithDelay(delay))
			}
			if dedupeKey != "" {
				opts = append(opts, job.WithDedupeKey(dedupeKey))
			}

			j, err := eng.EnqueueRaw(ctx, args[0], []byte(args[1]), opts...)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(api.NewJobView(j))
		},
	}

	f := cmd.Flags()
	f.StringVar(&queue, "queue", "", "override the kind's queue")
	f.IntVar(&priority, "priority", 0, "override the kind's priority")
	f.IntVar(&maxAttempts, "max-attempts", 0, "override the kind's attempt limit")
	f.DurationVar(&delay, "delay", 0, "postpone the first attempt")
	f.StringVar(&dedupeKey, "dedupe-key", "", "skip the insert while an active job of the kind carries this key")
	return cmd
}

func kindsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "kinds",
		Short: "Print the registered kinds and their effective policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			eng, err := a.policyEngine()
			if err != nil {
				return err
			}
			tasks := eng.Registry().Tasks()

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(kindRows(tasks))
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tQUEUE\tPRIORITY\tMAX ATTEMPTS\tQUEUE CONCURRENCY\tTIMEOUT")
			for _, r := range kindRows(tasks) {
				conc := "-"
				if r.QueueConcurrency > 0 {
					conc = strconv.Itoa(r.QueueConcurrency)
				}
				timeout := r.Timeout
				if timeout == "" {
					timeout = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
					r.Name, r.Queue, r.Priority, r.MaxAttempts, conc, timeout)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func kindRows(tasks []job.Task) []api.KindResponse {
	out := make([]api.KindResponse, 0, len(tasks))
	for _, t := range tasks {
		r := api.KindResponse{
			Name:             t.Name,
			Queue:            t.QueuePattern,
			Priority:         t.Opts.Priority,
			MaxAttempts:      t.Opts.MaxAttempts,
			QueueConcurrency: t.Opts.QueueConcurrency,
		}
		if t.Opts.Timeout > 0 {
			r.Timeout = t.Opts.Timeout.String()
		}
		out = append(out, r)
	}
	return out
}

// policyEngine builds an engine that is never started, with the policy
// file's per-kind overrides already applied to the registry. Metrics go
// to a throwaway registry.
func (a *app) policyEngine() (*engine.Engine, error) {
	eng, policy, err := a.buildEngine(prometheus.NewRegistry())
	if err != nil {
		return nil, err
	}
	if err := applyOverrides(eng, policy); err != nil {
		return nil, err
	}
	return eng, nil
}

func applyOverrides(eng *engine.Engine, policy *config.Policy) error {
	for name, o := range policy.Kinds {
		if err := eng.Registry().Override(name, o); err != nil {
			return err
		}
	}
	return nil
}

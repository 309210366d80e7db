package cli

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/audit"
	"github.com/aman-churiwal/xvpn-gateway/internal/config"
	"github.com/spf13/cobra"
)

type auditStatsOptions struct {
	since time.Duration
	json  bool
}

func newAuditStatsCmd(a *app) *cobra.Command {
	opts := &auditStatsOptions{}

	cmd := &cobra.Command{
		Use:   "audit-stats",
		Short: "Count audit events by type",
		Long: `Counts audit events by type over the --since period.

Reads the Postgres archive when DATABASE_URL is set, otherwise tallies the
events still held in Redis.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditStats(cmd, a, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.since, "since", 24*time.Hour, "Period to count over")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Output counts as a JSON object")

	return cmd
}

func runAuditStats(cmd *cobra.Command, a *app, opts *auditStatsOptions) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	from := now.Add(-opts.since)

	var counts map[string]int64
	repo, closeArchive, err := a.archive(cfg)
	switch {
	case err == nil:
		defer closeArchive()
		counts, err = repo.CountByType(cmd.Context(), from, now)
	case errors.Is(err, errNoArchive):
		counts, err = redisCounts(cmd, a, cfg, from)
	}
	if err != nil {
		return fmt.Errorf("failed to count audit events: %w", err)
	}

	if opts.json {
		return printJSONLine(cmd.OutOrStdout(), counts)
	}

	types := make([]string, 0, len(counts))
	var total int64
	for t, n := range counts {
		types = append(types, t)
		total += n
	}
	sort.Strings(types)

	out := cmd.OutOrStdout()
	for _, t := range types {
		fmt.Fprintf(out, "%-13s %d\n", t, counts[t])
	}
	fmt.Fprintf(out, "%-13s %d\n", "total", total)

	return nil
}

func redisCounts(cmd *cobra.Command, a *app, cfg *config.Config, from time.Time) (map[string]int64, error) {
	redis, err := a.redis(cfg)
	if err != nil {
		return nil, err
	}
	defer redis.Close()

	events, err := audit.NewRedisSink(redis, cfg.Audit.Retention.Duration).List(cmd.Context(), audit.Query{})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64)
	for _, e := range events {
		if e.Timestamp.Before(from) {
			continue
		}
		counts[string(e.Type)]++
	}
	return counts, nil
}

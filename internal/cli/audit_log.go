package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/audit"
	"github.com/aman-churiwal/xvpn-gateway/internal/config"
	"github.com/aman-churiwal/xvpn-gateway/internal/models"
	"github.com/spf13/cobra"
)

type auditLogOptions struct {
	user    string
	kind    string
	limit   int
	json    bool
	archive bool
	since   time.Duration
}

func newAuditLogCmd(a *app) *cobra.Command {
	opts := &auditLogOptions{}

	cmd := &cobra.Command{
		Use:   "audit-log",
		Short: "Display recorded proxy decisions, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditLog(cmd, a, opts)
		},
	}

	cmd.Flags().StringVar(&opts.user, "user", "", "Only events for this subject")
	cmd.Flags().StringVar(&opts.kind, "type", "", "Only events of this type (proxy_request, proxy_blocked, proxy_error)")
	cmd.Flags().IntVar(&opts.limit, "limit", 50, "Most recent events to show; 0 shows all")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Output events as JSON lines")
	cmd.Flags().BoolVar(&opts.archive, "archive", false, "Read from the Postgres archive instead of Redis (requires --user)")
	cmd.Flags().DurationVar(&opts.since, "since", 24*time.Hour, "How far back to search the archive")

	return cmd
}

func runAuditLog(cmd *cobra.Command, a *app, opts *auditLogOptions) error {
	if err := validEventType(opts.kind); err != nil {
		return err
	}

	cfg, err := a.config()
	if err != nil {
		return err
	}

	var events []models.AuditEvent
	if opts.archive {
		events, err = archivedEvents(cmd, a, cfg, opts)
	} else {
		redis, rerr := a.redis(cfg)
		if rerr != nil {
			return rerr
		}
		defer redis.Close()

		sink := audit.NewRedisSink(redis, cfg.Audit.Retention.Duration)
		events, err = sink.List(cmd.Context(), audit.Query{
			Subject: opts.user,
			Type:    models.AuditEventType(opts.kind),
			Limit:   opts.limit,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "No audit events found")
		return nil
	}

	for _, e := range events {
		if opts.json {
			if err := printJSONLine(out, e); err != nil {
				return err
			}
			continue
		}
		printEvent(out, e)
	}

	return nil
}

func archivedEvents(cmd *cobra.Command, a *app, cfg *config.Config, opts *auditLogOptions) ([]models.AuditEvent, error) {
	if opts.user == "" {
		return nil, fmt.Errorf("--archive requires --user")
	}

	repo, closeArchive, err := a.archive(cfg)
	if err != nil {
		return nil, err
	}
	defer closeArchive()

	limit := opts.limit
	if limit <= 0 {
		limit = -1
	}

	now := time.Now().UTC()
	records, err := repo.FindBySubject(cmd.Context(), opts.user, now.Add(-opts.since), now, limit)
	if err != nil {
		return nil, err
	}

	// archive returns newest first
	events := make([]models.AuditEvent, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		e := records[i].Event()
		if opts.kind != "" && string(e.Type) != opts.kind {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

func printEvent(w io.Writer, e models.AuditEvent) {
	ts := e.Timestamp.Local().Format("2006-01-02 15:04:05")

	detail := e.Method
	switch e.Type {
	case models.AuditProxyBlocked:
		detail = e.Reason
	case models.AuditProxyError:
		detail = e.Error
	}

	fmt.Fprintf(w, "[%s] %-13s %s %s (%s)\n", ts, e.Type, e.Subject, e.TargetURL, detail)
}

func validEventType(kind string) error {
	switch models.AuditEventType(kind) {
	case "", models.AuditProxyRequest, models.AuditProxyBlocked, models.AuditProxyError:
		return nil
	}
	return fmt.Errorf("unknown event type %q", kind)
}

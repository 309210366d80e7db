package cli

import (
	"fmt"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/models"
	"github.com/aman-churiwal/xvpn-gateway/internal/ratelimit"
	"github.com/spf13/cobra"
)

func newRateLimitCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Inspect or reset a subject's rate-limit window",
	}

	var asJSON bool
	show := &cobra.Command{
		Use:   "show <subject>",
		Short: "Print the subject's current window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRateLimitShow(cmd, a, args[0], asJSON)
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "Output the window as JSON")

	reset := &cobra.Command{
		Use:   "reset <subject>",
		Short: "Delete the subject's window so its next request starts a fresh one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRateLimitReset(cmd, a, args[0])
		},
	}

	cmd.AddCommand(show, reset)
	return cmd
}

type windowView struct {
	Subject   string `json:"userId"`
	Count     int64  `json:"count"`
	Limit     int    `json:"limit"`
	Remaining int64  `json:"remaining"`
	ResetAt   string `json:"resetAt"`
	Expired   bool   `json:"expired"`
	TTLMillis int64  `json:"ttlMs"`
}

func runRateLimitShow(cmd *cobra.Command, a *app, subject string, asJSON bool) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	redis, err := a.redis(cfg)
	if err != nil {
		return err
	}
	defer redis.Close()

	window, err := ratelimit.ReadWindow(cmd.Context(), redis, subject)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if window == nil {
		fmt.Fprintf(out, "No active window for %s\n", subject)
		return nil
	}

	ttl, hasTTL, err := ratelimit.WindowTTL(cmd.Context(), redis, subject)
	if err != nil {
		return err
	}

	limit := cfg.RateLimit.MaxRequests
	view := windowView{
		Subject:   subject,
		Count:     window.Count,
		Limit:     limit,
		Remaining: max(int64(limit)-window.Count, 0),
		ResetAt:   models.FormatTimestamp(window.ResetAt),
		Expired:   window.Expired(time.Now()),
		TTLMillis: ttl.Milliseconds(),
	}

	if asJSON {
		return printJSONLine(out, view)
	}

	fmt.Fprintf(out, "Subject:   %s\n", view.Subject)
	fmt.Fprintf(out, "Requests:  %d of %d\n", view.Count, view.Limit)
	fmt.Fprintf(out, "Remaining: %d\n", view.Remaining)
	if view.Expired {
		fmt.Fprintf(out, "Reset at:  %s (elapsed)\n", view.ResetAt)
	} else {
		fmt.Fprintf(out, "Reset at:  %s\n", view.ResetAt)
	}
	if hasTTL {
		fmt.Fprintf(out, "Evicted in: %s\n", ttl.Round(time.Millisecond))
	} else {
		fmt.Fprintln(out, "Evicted in: never (no TTL set)")
	}
	return nil
}

func runRateLimitReset(cmd *cobra.Command, a *app, subject string) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	redis, err := a.redis(cfg)
	if err != nil {
		return err
	}
	defer redis.Close()

	deleted, err := ratelimit.ResetWindow(cmd.Context(), redis, subject)
	if err != nil {
		return err
	}

	if !deleted {
		fmt.Fprintf(cmd.OutOrStdout(), "No active window for %s\n", subject)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reset rate limit window for %s\n", subject)
	return nil
}

// Package cli implements xvpnctl, the operator tool for reviewing audit
// events and inspecting rate-limit windows.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aman-churiwal/xvpn-gateway/internal/config"
	"github.com/aman-churiwal/xvpn-gateway/internal/logging"
	"github.com/aman-churiwal/xvpn-gateway/internal/repository"
	"github.com/aman-churiwal/xvpn-gateway/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var errNoArchive = errors.New("DATABASE_URL is not set; the audit archive is unavailable")

type app struct {
	configPath string
	verbose    bool
	logger     zerolog.Logger
}

func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "xvpnctl",
		Short: "Operator CLI for the xvpn gateway",
		Long: `xvpnctl reads the gateway's stores directly.

It lists audit events from Redis or the Postgres archive and shows or
resets a subject's rate-limit window. Connection settings come from the
same config file and environment variables as the gateway.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "warn"
			if a.verbose {
				level = "debug"
			}
			a.logger = logging.New(level, "console", cmd.ErrOrStderr())
		},
	}

	defaultConfig := os.Getenv("CONFIG_FILE")
	if defaultConfig == "" {
		defaultConfig = "config.json"
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", defaultConfig, "Path to the gateway config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose output")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		newAuditLogCmd(a),
		newAuditStatsCmd(a),
		newRateLimitCmd(a),
	)

	return root
}

func Execute() error {
	return NewRootCmd().Execute()
}

func (a *app) config() (*config.Config, error) {
	cfg, err := config.Read(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func (a *app) redis(cfg *config.Config) (*storage.RedisClient, error) {
	a.logger.Debug().Str("addr", cfg.Redis.GetRedisAddr()).Msg("connecting to redis")

	client, err := storage.NewRedis(cfg.Redis.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.GetRedisAddr(), err)
	}
	return client, nil
}

// Opens the audit archive; the returned func closes it
func (a *app) archive(cfg *config.Config) (*repository.AuditRepository, func(), error) {
	if cfg.Database.URL == "" {
		return nil, nil, errNoArchive
	}

	a.logger.Debug().Msg("connecting to audit archive")

	db, err := storage.NewPostgres(cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewAuditRepository(db), func() { _ = db.Close() }, nil
}

func printJSONLine(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

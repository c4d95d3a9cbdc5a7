package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssvlabs/slashing-protector/slashingdb/backends"
	"github.com/ssvlabs/slashing-protector/slashingdb/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Applies pending PostgreSQL schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := setupGlobal(cmd)
		if err != nil {
			return err
		}
		if cfg.DBOptions.Type != backends.Postgres && cfg.DBOptions.Type != "" {
			return errors.New("migrations apply to the postgres backend only")
		}

		opts := cfg.DBOptions.Postgres
		opts.Migrate = true
		db, err := postgres.Open(cmd.Context(), logger, opts)
		if err != nil {
			return logCommandError(logger, cmd, err)
		}
		defer func() { _ = db.Close() }()

		logger.Info("database schema is up to date")
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Runs a single pruning pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		p, release, err := a.newPruner(cmd.Context())
		if err != nil {
			return logCommandError(a.logger, cmd, err)
		}
		defer release()

		summary, err := p.Prune(cmd.Context())
		if err != nil {
			return logCommandError(a.logger, cmd, err)
		}
		a.logger.Info("pruned",
			zap.Int("validators", summary.Validators),
			zap.Int64("blocks_deleted", summary.BlocksDeleted),
			zap.Int64("attestations_deleted", summary.AttestationsDeleted))
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d validators: %d blocks, %d attestations deleted\n",
			summary.Validators, summary.BlocksDeleted, summary.AttestationsDeleted)
		return err
	},
}

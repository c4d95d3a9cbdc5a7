package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ssvlabs/slashing-protector/interchange"
	"github.com/ssvlabs/slashing-protector/utils/cliflag"
)

const pubKeysFlag = "pubkeys"

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Imports an EIP-3076 interchange file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		f, err := os.Open(args[0])
		if err != nil {
			return logCommandError(a.logger, cmd, err)
		}
		defer func() { _ = f.Close() }()

		summary, err := interchange.New(a.logger, a.retryer, a.registry).Import(cmd.Context(), f)
		if err != nil {
			return logCommandError(a.logger, cmd, err)
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(),
			"imported %d validators: %d blocks (%d skipped), %d attestations (%d skipped)\n",
			summary.Validators, summary.BlocksImported, summary.BlocksSkipped,
			summary.AttestationsImported, summary.AttestationsSkipped)
		return err
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Exports signing history as an EIP-3076 interchange file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		list, err := cmd.Flags().GetString(pubKeysFlag)
		if err != nil {
			return err
		}
		pubKeys, err := parsePubKeys(list)
		if err != nil {
			return err
		}

		f, err := os.Create(args[0])
		if err != nil {
			return logCommandError(a.logger, cmd, err)
		}
		defer func() {
			err = multierr.Append(err, f.Close())
		}()

		ic := interchange.New(a.logger, a.retryer, a.registry)
		if len(pubKeys) > 0 {
			err = ic.ExportPartial(cmd.Context(), f, pubKeys)
		} else {
			err = ic.Export(cmd.Context(), f)
		}
		if err != nil {
			return logCommandError(a.logger, cmd, err)
		}
		a.logger.Info("exported interchange", zap.String("file", args[0]))
		return nil
	},
}

func init() {
	cliflag.AddPersistentStringFlag(exportCmd, pubKeysFlag, "", "Comma separated public keys to export, all validators when empty", false)
}

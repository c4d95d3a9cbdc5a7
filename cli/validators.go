package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/aquasecurity/table"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/spf13/cobra"

	"github.com/ssvlabs/slashing-protector/slashing"
	"github.com/ssvlabs/slashing-protector/utils/cliflag"
	"github.com/ssvlabs/slashing-protector/validators"
)

const (
	keystoreFlag = "keystore"
	passwordFlag = "password-file"
)

var validatorsCmd = &cobra.Command{
	Use:   "validators",
	Short: "Lists, adds and deletes validators",
}

var validatorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists every validator known to the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		list, err := validators.NewManager(a.logger, a.retryer, a.registry, nil).List(cmd.Context())
		if err != nil {
			return logCommandError(a.logger, cmd, err)
		}
		renderValidators(cmd.OutOrStdout(), list)
		return nil
	},
}

var validatorsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Stores a keystore and enables its validator",
	RunE: func(cmd *cobra.Command, args []string) error {
		pubKey, keystore, password, err := validatorFlags(cmd, true)
		if err != nil {
			return err
		}

		m, a, err := newManager(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		if err := m.AddValidator(cmd.Context(), pubKey, keystore, password); err != nil {
			return logCommandError(a.logger, cmd, err)
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "validator %s added\n", pubKey)
		return err
	},
}

var validatorsDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Disables a validator and removes its keystore",
	RunE: func(cmd *cobra.Command, args []string) error {
		pubKey, _, _, err := validatorFlags(cmd, false)
		if err != nil {
			return err
		}

		m, a, err := newManager(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		if err := m.DeleteValidator(cmd.Context(), pubKey); err != nil {
			return logCommandError(a.logger, cmd, err)
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "validator %s deleted\n", pubKey)
		return err
	},
}

func newManager(cmd *cobra.Command) (*validators.Manager, *app, error) {
	a, err := newApp(cmd)
	if err != nil {
		return nil, nil, err
	}
	storage, err := validators.NewKeyStorage(a.logger, cfg.KeyStorageOptions)
	if err != nil {
		a.close()
		return nil, nil, err
	}
	return validators.NewManager(a.logger, a.retryer, a.registry, storage), a, nil
}

func validatorFlags(cmd *cobra.Command, withKeystore bool) (pubKey phase0.BLSPubKey, keystore, password string, err error) {
	pubKeyHex, err := cmd.Flags().GetString(pubKeyFlag)
	if err != nil {
		return pubKey, "", "", err
	}
	pubKey, err = parsePubKey(pubKeyHex)
	if err != nil || !withKeystore {
		return pubKey, "", "", err
	}
	if keystore, err = cmd.Flags().GetString(keystoreFlag); err != nil {
		return pubKey, "", "", err
	}
	if password, err = cmd.Flags().GetString(passwordFlag); err != nil {
		return pubKey, "", "", err
	}
	return pubKey, keystore, password, nil
}

func renderValidators(w io.Writer, list []slashing.Validator) {
	tbl := table.New(w)
	tbl.SetHeaders("ID", "Public Key", "Enabled")
	for _, v := range list {
		tbl.AddRow(strconv.FormatInt(v.ID, 10), v.PublicKey.String(), strconv.FormatBool(v.Enabled))
	}
	tbl.Render()
}

func init() {
	cliflag.AddPersistentStringFlag(validatorsAddCmd, pubKeyFlag, "", "Validator public key", true)
	cliflag.AddPersistentStringFlag(validatorsAddCmd, keystoreFlag, "", "Path to the EIP-2335 keystore file", true)
	cliflag.AddPersistentStringFlag(validatorsAddCmd, passwordFlag, "", "Path to the file holding the keystore password", true)
	cliflag.AddPersistentStringFlag(validatorsDeleteCmd, pubKeyFlag, "", "Validator public key", true)

	validatorsCmd.AddCommand(validatorsListCmd, validatorsAddCmd, validatorsDeleteCmd)
}

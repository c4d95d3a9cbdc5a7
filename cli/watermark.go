package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ssvlabs/slashing-protector/slashing"
	"github.com/ssvlabs/slashing-protector/utils/cliflag"
)

const (
	pubKeyFlag      = "pubkey"
	slotFlag        = "slot"
	epochFlag       = "epoch"
	sourceEpochFlag = "source-epoch"
	targetEpochFlag = "target-epoch"
)

var watermarkCmd = &cobra.Command{
	Use:   "watermark",
	Short: "Inspects and repairs low and high watermarks",
}

var lowWatermarkCmd = &cobra.Command{
	Use:   "low",
	Short: "Per-validator low watermarks",
}

var highWatermarkCmd = &cobra.Command{
	Use:   "high",
	Short: "Global high watermark",
}

var lowWatermarkSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Force-sets the low watermark of a validator",
	RunE: func(cmd *cobra.Command, args []string) error {
		pubKeyHex, err := cmd.Flags().GetString(pubKeyFlag)
		if err != nil {
			return err
		}
		pubKey, err := parsePubKey(pubKeyHex)
		if err != nil {
			return err
		}
		slot, err := cliflag.OptionalSlot(cmd, slotFlag)
		if err != nil {
			return err
		}
		source, err := cliflag.OptionalEpoch(cmd, sourceEpochFlag)
		if err != nil {
			return err
		}
		target, err := cliflag.OptionalEpoch(cmd, targetEpochFlag)
		if err != nil {
			return err
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		sp := a.protector()
		err = sp.UpdateLowWatermark(cmd.Context(), pubKey, slot, source, target)
		if err != nil {
			return logCommandError(a.logger, cmd, err)
		}
		wm, err := sp.LowWatermark(cmd.Context(), pubKey)
		if err != nil {
			return logCommandError(a.logger, cmd, err)
		}
		return printLowWatermark(cmd.OutOrStdout(), wm)
	},
}

var highWatermarkGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Prints the high watermark",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		hw, err := a.protector().HighWatermark(cmd.Context())
		if err != nil {
			return logCommandError(a.logger, cmd, err)
		}
		return printHighWatermark(cmd.OutOrStdout(), hw)
	},
}

var highWatermarkSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Sets the high watermark",
	RunE: func(cmd *cobra.Command, args []string) error {
		slot, err := cliflag.OptionalSlot(cmd, slotFlag)
		if err != nil {
			return err
		}
		epoch, err := cliflag.OptionalEpoch(cmd, epochFlag)
		if err != nil {
			return err
		}
		if slot == nil && epoch == nil {
			return errors.New("at least one of --slot and --epoch is required")
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		hw := slashing.HighWatermark{Slot: slot, Epoch: epoch}
		if err := a.protector().UpdateHighWatermark(cmd.Context(), hw); err != nil {
			return logCommandError(a.logger, cmd, err)
		}
		return printHighWatermark(cmd.OutOrStdout(), &hw)
	},
}

var highWatermarkDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Removes the high watermark",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.protector().DeleteHighWatermark(cmd.Context()); err != nil {
			return logCommandError(a.logger, cmd, err)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), "high watermark removed")
		return err
	},
}

func formatOptional[T ~uint64](v *T) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(uint64(*v))
}

func printLowWatermark(w io.Writer, wm *slashing.LowWatermark) error {
	if wm == nil {
		_, err := fmt.Fprintln(w, "no low watermark")
		return err
	}
	_, err := fmt.Fprintf(w, "low watermark: slot=%s source_epoch=%s target_epoch=%s\n",
		formatOptional(wm.Slot), formatOptional(wm.SourceEpoch), formatOptional(wm.TargetEpoch))
	return err
}

func printHighWatermark(w io.Writer, hw *slashing.HighWatermark) error {
	if hw.IsEmpty() {
		_, err := fmt.Fprintln(w, "no high watermark")
		return err
	}
	_, err := fmt.Fprintf(w, "high watermark: slot=%s epoch=%s\n", formatOptional(hw.Slot), formatOptional(hw.Epoch))
	return err
}

func init() {
	cliflag.AddPersistentStringFlag(lowWatermarkSetCmd, pubKeyFlag, "", "Validator public key", true)
	cliflag.AddPersistentSlotFlag(lowWatermarkSetCmd, slotFlag, "Lowest slot that may be signed", false)
	cliflag.AddPersistentEpochFlag(lowWatermarkSetCmd, sourceEpochFlag, "Lowest source epoch that may be attested", false)
	cliflag.AddPersistentEpochFlag(lowWatermarkSetCmd, targetEpochFlag, "Lowest target epoch that may be attested", false)

	cliflag.AddPersistentSlotFlag(highWatermarkSetCmd, slotFlag, "Slot from which block signing is refused", false)
	cliflag.AddPersistentEpochFlag(highWatermarkSetCmd, epochFlag, "Epoch from which attestation signing is refused", false)

	lowWatermarkCmd.AddCommand(lowWatermarkSetCmd)
	highWatermarkCmd.AddCommand(highWatermarkGetCmd, highWatermarkSetCmd, highWatermarkDeleteCmd)
	watermarkCmd.AddCommand(lowWatermarkCmd, highWatermarkCmd)
}

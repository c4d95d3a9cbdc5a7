package cliflag

import (
	"fmt"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/spf13/cobra"
)

// AddPersistentStringFlag adds a string flag to the command
func AddPersistentStringFlag(c *cobra.Command, flag string, value string, description string, isRequired bool) {
	c.PersistentFlags().String(flag, value, formatDescription(description, isRequired))
	markRequired(c, flag, isRequired)
}

// AddPersistentSlotFlag adds a slot flag to the command. Its zero value is a
// valid slot, so read it with OptionalSlot to tell unset from zero.
func AddPersistentSlotFlag(c *cobra.Command, flag string, description string, isRequired bool) {
	c.PersistentFlags().Uint64(flag, 0, formatDescription(description, isRequired))
	markRequired(c, flag, isRequired)
}

// AddPersistentEpochFlag adds an epoch flag to the command, see AddPersistentSlotFlag.
func AddPersistentEpochFlag(c *cobra.Command, flag string, description string, isRequired bool) {
	c.PersistentFlags().Uint64(flag, 0, formatDescription(description, isRequired))
	markRequired(c, flag, isRequired)
}

// OptionalSlot returns the slot passed in flag, or nil when it was not set.
func OptionalSlot(c *cobra.Command, flag string) (*phase0.Slot, error) {
	v, err := optionalUint64(c, flag)
	if err != nil || v == nil {
		return nil, err
	}
	slot := phase0.Slot(*v)
	return &slot, nil
}

// OptionalEpoch returns the epoch passed in flag, or nil when it was not set.
func OptionalEpoch(c *cobra.Command, flag string) (*phase0.Epoch, error) {
	v, err := optionalUint64(c, flag)
	if err != nil || v == nil {
		return nil, err
	}
	epoch := phase0.Epoch(*v)
	return &epoch, nil
}

func optionalUint64(c *cobra.Command, flag string) (*uint64, error) {
	if !c.Flags().Changed(flag) {
		return nil, nil
	}
	v, err := c.Flags().GetUint64(flag)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// formatDescription adds required suffix to description if needed
func formatDescription(description string, isRequired bool) string {
	const requiredSuffix = " (required)"
	if isRequired {
		return fmt.Sprintf("%s%s", description, requiredSuffix)
	}
	return description
}

// markRequired marks flag as required if needed, ignoring errors
func markRequired(c *cobra.Command, flag string, isRequired bool) {
	if isRequired {
		_ = c.MarkPersistentFlagRequired(flag)
	}
}

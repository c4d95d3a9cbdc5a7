package cliflag

import (
	"testing"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestOptionalSlotAndEpoch(t *testing.T) {
	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	AddPersistentSlotFlag(cmd, "slot", "slot", false)
	AddPersistentEpochFlag(cmd, "epoch", "epoch", false)
	AddPersistentEpochFlag(cmd, "unset", "unset", false)

	cmd.SetArgs([]string{"--slot", "0", "--epoch", "7"})
	require.NoError(t, cmd.Execute())

	slot, err := OptionalSlot(cmd, "slot")
	require.NoError(t, err)
	require.NotNil(t, slot)
	require.Equal(t, phase0.Slot(0), *slot)

	epoch, err := OptionalEpoch(cmd, "epoch")
	require.NoError(t, err)
	require.Equal(t, phase0.Epoch(7), *epoch)

	unset, err := OptionalEpoch(cmd, "unset")
	require.NoError(t, err)
	require.Nil(t, unset)
}

func TestRequiredDescription(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	AddPersistentStringFlag(cmd, "pubkey", "", "Validator public key", true)
	require.Equal(t, "Validator public key (required)", cmd.PersistentFlags().Lookup("pubkey").Usage)
}

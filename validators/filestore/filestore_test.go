package filestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/ssvlabs/slashing-protector/logging"
)

var testKey = phase0.BLSPubKey{0xa1, 0xb2, 0xc3}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func keystoreJSON(pubKey phase0.BLSPubKey) string {
	return `{"version":4,"pubkey":"` + hexutil.Encode(pubKey[:])[2:] + `","crypto":{"kdf":{},"checksum":{},"cipher":{}}}`
}

func TestAddAndDeleteKey(t *testing.T) {
	src := t.TempDir()
	keystorePath := writeFile(t, src, "keystore.json", keystoreJSON(testKey))
	passwordPath := writeFile(t, src, "password.txt", "secret")

	store, err := New(logging.TestLogger(t), Options{Dir: filepath.Join(t.TempDir(), "keys")})
	require.NoError(t, err)

	require.NoError(t, store.AddKey(t.Context(), testKey, keystorePath, passwordPath))
	// adding again overwrites
	require.NoError(t, store.AddKey(t.Context(), testKey, keystorePath, passwordPath))

	meta, err := store.Metadata(testKey)
	require.NoError(t, err)
	require.Equal(t, "file-keystore", meta.Type)

	ks, pw, _ := store.paths(testKey)
	require.Equal(t, filepath.Base(ks), meta.KeystoreFile)
	require.Equal(t, filepath.Base(pw), meta.KeystorePasswordFile)

	password, err := os.ReadFile(pw)
	require.NoError(t, err)
	require.Equal(t, "secret", string(password))

	require.NoError(t, store.DeleteKey(t.Context(), testKey))
	_, err = store.Metadata(testKey)
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(ks)
	require.ErrorIs(t, err, os.ErrNotExist)

	// deleting a missing key succeeds
	require.NoError(t, store.DeleteKey(t.Context(), testKey))
}

func TestAddKeyRejectsBadInput(t *testing.T) {
	src := t.TempDir()
	passwordPath := writeFile(t, src, "password.txt", "secret")

	store, err := New(logging.TestLogger(t), Options{Dir: t.TempDir()})
	require.NoError(t, err)

	tests := []struct {
		name     string
		keystore string
	}{
		{name: "not json", keystore: "nope"},
		{name: "wrong version", keystore: `{"version":3,"crypto":{}}`},
		{name: "other key", keystore: keystoreJSON(phase0.BLSPubKey{0x01})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, src, "ks.json", tt.keystore)
			require.Error(t, store.AddKey(t.Context(), testKey, path, passwordPath))
			_, err := store.Metadata(testKey)
			require.Error(t, err)
		})
	}

	require.Error(t, store.AddKey(t.Context(), testKey, filepath.Join(src, "missing.json"), passwordPath))
}

package web3signer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/require"

	"github.com/ssvlabs/slashing-protector/logging"
)

var testKey = phase0.BLSPubKey{0x0b, 0x0c}

func setupTestServer(t *testing.T, handler http.HandlerFunc) *Web3Signer {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	signer, err := New(logging.TestLogger(t), Options{URL: server.URL + "/"})
	require.NoError(t, err)
	return signer
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func respond(t *testing.T, w http.ResponseWriter, statuses ...Status) {
	t.Helper()
	var resp ImportKeystoreResponse
	for _, s := range statuses {
		resp.Data = append(resp.Data, KeyManagerResponseData{Status: s})
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func TestAddKey(t *testing.T) {
	keystore := writeTemp(t, "keystore.json", `{"version":4}`)
	password := writeTemp(t, "password.txt", "secret\n")

	tests := []struct {
		name    string
		status  Status
		wantErr bool
	}{
		{name: "imported", status: StatusImported},
		{name: "duplicate", status: StatusDuplicated},
		{name: "error", status: StatusError, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, http.MethodPost, r.Method)
				require.Equal(t, keystoresPath, r.URL.Path)

				var req ImportKeystoreRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				require.Equal(t, []string{`{"version":4}`}, req.Keystores)
				require.Equal(t, []string{"secret"}, req.Passwords)

				respond(t, w, tt.status)
			})

			err := signer.AddKey(t.Context(), testKey, keystore, password)
			if tt.wantErr {
				require.ErrorContains(t, err, "unexpected status")
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestAddKeyMissingFile(t *testing.T) {
	signer := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected request")
	})
	require.Error(t, signer.AddKey(t.Context(), testKey, filepath.Join(t.TempDir(), "none"), "none"))
}

func TestDeleteKey(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		code     int
		wantErr  bool
	}{
		{name: "deleted", statuses: []Status{StatusDeleted}},
		{name: "not found", statuses: []Status{StatusNotFound}},
		{name: "error", statuses: []Status{StatusError}, wantErr: true},
		{name: "no status", wantErr: true},
		{name: "server error", code: http.StatusInternalServerError, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, http.MethodDelete, r.Method)

				var req DeleteKeystoreRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				require.Equal(t, []phase0.BLSPubKey{testKey}, req.Pubkeys)

				if tt.code != 0 {
					w.WriteHeader(tt.code)
					return
				}
				respond(t, w, tt.statuses...)
			})

			err := signer.DeleteKey(t.Context(), testKey)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestNewEmptyURL(t *testing.T) {
	_, err := New(logging.TestLogger(t), Options{})
	require.Error(t, err)
}

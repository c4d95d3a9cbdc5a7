// Package web3signer stores validator keys in a remote signer through the
// standard keymanager API.
package web3signer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/carlmjohnson/requests"
	"go.uber.org/zap"

	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/logging/fields"
)

const keystoresPath = "/eth/v1/keystores"

type Options struct {
	URL            string        `yaml:"URL" env:"SP_WEB3SIGNER_URL" env-description:"Base URL of the remote signer keymanager API"`
	RequestTimeout time.Duration `yaml:"RequestTimeout" env:"SP_WEB3SIGNER_TIMEOUT" env-default:"30s" env-description:"Timeout of keymanager requests"`
}

type Status string

const (
	StatusImported   Status = "imported"
	StatusDuplicated Status = "duplicate"
	StatusDeleted    Status = "deleted"
	StatusNotActive  Status = "not_active"
	StatusNotFound   Status = "not_found"
	StatusError      Status = "error"
)

type KeyManagerResponseData struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

type ImportKeystoreRequest struct {
	Keystores []string `json:"keystores"`
	Passwords []string `json:"passwords"`
}

type ImportKeystoreResponse struct {
	Data []KeyManagerResponseData `json:"data"`
}

type DeleteKeystoreRequest struct {
	Pubkeys []phase0.BLSPubKey `json:"pubkeys"`
}

type DeleteKeystoreResponse struct {
	Data               []KeyManagerResponseData `json:"data"`
	SlashingProtection string                   `json:"slashing_protection,omitempty"`
}

type Web3Signer struct {
	logger     *zap.Logger
	baseURL    string
	httpClient *http.Client
}

func New(logger *zap.Logger, opts Options) (*Web3Signer, error) {
	if opts.URL == "" {
		return nil, errors.New("web3signer: empty URL")
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Web3Signer{
		logger:  logger.Named(logging.NameKeyStorage),
		baseURL: strings.TrimRight(opts.URL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// AddKey reads the keystore and its password from local files and imports
// them. A key the signer already holds counts as imported.
func (c *Web3Signer) AddKey(ctx context.Context, pubKey phase0.BLSPubKey, keystoreRef, passwordRef string) error {
	keystore, err := os.ReadFile(keystoreRef)
	if err != nil {
		return fmt.Errorf("web3signer: read keystore: %w", err)
	}
	password, err := os.ReadFile(passwordRef)
	if err != nil {
		return fmt.Errorf("web3signer: read password: %w", err)
	}

	statuses, err := c.ImportKeystore(ctx, []string{string(keystore)}, []string{strings.TrimSpace(string(password))})
	if err != nil {
		return err
	}
	return expectStatus(pubKey, statuses, StatusImported, StatusDuplicated)
}

// DeleteKey removes the key. A key the signer does not hold counts as deleted.
func (c *Web3Signer) DeleteKey(ctx context.Context, pubKey phase0.BLSPubKey) error {
	statuses, err := c.DeleteKeystore(ctx, []phase0.BLSPubKey{pubKey})
	if err != nil {
		return err
	}
	return expectStatus(pubKey, statuses, StatusDeleted, StatusNotFound, StatusNotActive)
}

// ImportKeystore adds keys using the keymanager import endpoint.
func (c *Web3Signer) ImportKeystore(ctx context.Context, keystores, passwords []string) ([]KeyManagerResponseData, error) {
	logger := c.logger.With(
		zap.String("request", "ImportKeystore"),
		fields.Count(len(keystores)),
	)
	logger.Debug("importing keystores")

	var resp ImportKeystoreResponse
	err := requests.
		URL(c.baseURL).
		Client(c.httpClient).
		Path(keystoresPath).
		BodyJSON(ImportKeystoreRequest{
			Keystores: keystores,
			Passwords: passwords,
		}).
		Post().
		ToJSON(&resp).
		Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("web3signer: %w", err)
	}

	logger.Debug("imported keystores")
	return resp.Data, nil
}

// DeleteKeystore removes keys using the keymanager delete endpoint.
func (c *Web3Signer) DeleteKeystore(ctx context.Context, pubKeys []phase0.BLSPubKey) ([]KeyManagerResponseData, error) {
	logger := c.logger.With(
		zap.String("request", "DeleteKeystore"),
		fields.Count(len(pubKeys)),
	)
	logger.Debug("deleting keystores")

	var resp DeleteKeystoreResponse
	err := requests.
		URL(c.baseURL).
		Client(c.httpClient).
		Path(keystoresPath).
		BodyJSON(DeleteKeystoreRequest{Pubkeys: pubKeys}).
		Delete().
		ToJSON(&resp).
		Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("web3signer: %w", err)
	}

	logger.Debug("deleted keystores")
	return resp.Data, nil
}

func expectStatus(pubKey phase0.BLSPubKey, data []KeyManagerResponseData, accepted ...Status) error {
	if len(data) != 1 {
		return fmt.Errorf("web3signer: expected 1 status for %s, got %d", pubKey, len(data))
	}
	for _, s := range accepted {
		if data[0].Status == s {
			return nil
		}
	}
	return fmt.Errorf("web3signer: unexpected status %q for %s: %s", data[0].Status, pubKey, data[0].Message)
}

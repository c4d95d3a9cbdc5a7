package validators

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ssvlabs/slashing-protector/validators/filestore"
	"github.com/ssvlabs/slashing-protector/validators/web3signer"
)

type KeyStorageType string

const (
	KeyStorageFile       KeyStorageType = "file"
	KeyStorageWeb3Signer KeyStorageType = "web3signer"
)

type KeyStorageOptions struct {
	Type       KeyStorageType     `yaml:"Type" env:"SP_KEY_STORAGE" env-default:"file" env-description:"Key storage: file or web3signer"`
	File       filestore.Options  `yaml:"File"`
	Web3Signer web3signer.Options `yaml:"Web3Signer"`
}

// NewKeyStorage builds the key storage selected by opts.
func NewKeyStorage(logger *zap.Logger, opts KeyStorageOptions) (KeyStorage, error) {
	switch opts.Type {
	case KeyStorageFile, "":
		store, err := filestore.New(logger, opts.File)
		if err != nil {
			return nil, err
		}
		return store, nil
	case KeyStorageWeb3Signer:
		signer, err := web3signer.New(logger, opts.Web3Signer)
		if err != nil {
			return nil, err
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unknown key storage type %q", opts.Type)
	}
}

package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLogger(t testing.TB) *zap.Logger {
	err := SetGlobalLogger("debug", "capital", "console", "")
	require.NoError(t, err)
	return zap.L().Named(t.Name())
}

package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitInstallsGlobal(t *testing.T) {
	l, err := Init("debug", "json")
	require.NoError(t, err)
	require.Same(t, l, L())
	require.True(t, l.Core().Enabled(zap.DebugLevel))

	l, err = Init("warn", "console")
	require.NoError(t, err)
	require.False(t, l.Core().Enabled(zap.InfoLevel))
	require.True(t, l.Core().Enabled(zap.WarnLevel))
}

func TestInitRejectsBadInputs(t *testing.T) {
	_, err := Init("verbose", "json")
	require.Error(t, err)

	_, err = Init("info", "xml")
	require.Error(t, err)
}

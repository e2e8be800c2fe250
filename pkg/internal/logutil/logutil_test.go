package logutil

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestNamedNil(t *testing.T) {
    l := Named(nil, "x")
    require.NotNil(t, l)
    l.Info("dropped")
}

func TestNewLevels(t *testing.T) {
    t.Setenv("GMS_LOG_FORMAT", "json")
    assert.True(t, JSONFromEnv())
    l, err := New("debug")
    require.NoError(t, err)
    assert.NotNil(t, l)

    _, err = New("loud")
    assert.Error(t, err)
}

package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iotc-bridge/internal/types"
)

// base64 of 16 zero bytes
const zeroGroupKey = "AAAAAAAAAAAAAAAAAAAAAA=="

func TestDeriveDeviceKey_Golden(t *testing.T) {
	key, err := DeriveDeviceKey(zeroGroupKey, "dev-A")
	require.NoError(t, err)
	assert.Equal(t, "8XlRb3lc6jiAHUE0NYeFMH1jnaSbEWxAKRrNmTmckIU=", key)
}

func TestDeriveDeviceKey_Deterministic(t *testing.T) {
	first, err := DeriveDeviceKey(zeroGroupKey, "dev-A")
	require.NoError(t, err)
	second, err := DeriveDeviceKey(zeroGroupKey, "dev-A")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestDeriveDeviceKey_DistinctDevices(t *testing.T) {
	keyA, err := DeriveDeviceKey(zeroGroupKey, "dev-A")
	require.NoError(t, err)
	keyB, err := DeriveDeviceKey(zeroGroupKey, "dev-B")
	require.NoError(t, err)

	assert.NotEqual(t, keyA, keyB)
	assert.Equal(t, "9WI8Z+7BWD3rSHaa0+JLPMdXety2o+cNxHIOvbWpxFs=", keyB)
}

func TestDeriveDeviceKey_InvalidGroupKey(t *testing.T) {
	tests := []struct {
		name     string
		groupKey string
	}{
		{name: "not base64", groupKey: "not*base64!"},
		{name: "empty", groupKey: ""},
		{name: "truncated padding", groupKey: "AAAA="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := DeriveDeviceKey(tt.groupKey, "dev-A")
			require.Error(t, err)
			assert.Empty(t, key)
			assert.True(t, errors.Is(err, types.ErrInvalidKeyFormat))

			kind, ok := types.KindOf(err)
			assert.True(t, ok)
			assert.Equal(t, types.KindInvalidKeyFormat, kind)
		})
	}
}

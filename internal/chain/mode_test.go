package chain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeAllowedOn(t *testing.T) {
	assert.True(t, Production.AllowedOn(big.NewInt(1)))
	assert.True(t, Development.AllowedOn(big.NewInt(31337)))
	assert.True(t, Development.AllowedOn(big.NewInt(1337)))
	assert.False(t, Development.AllowedOn(big.NewInt(1)))
	assert.False(t, Development.AllowedOn(big.NewInt(11155111)))
	assert.False(t, Development.AllowedOn(nil))

	mode, err := ParseMode("dev")
	require.NoError(t, err)
	assert.Equal(t, Development, mode)
	_, err = ParseMode("permissive")
	assert.Error(t, err)
}

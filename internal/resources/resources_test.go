package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleReturnsPositiveCapacity(t *testing.T) {
	c, err := Sample()
	require.NoError(t, err)
	assert.Greater(t, c.CPU, int64(0))
	assert.Greater(t, c.Memory, int64(0))
}

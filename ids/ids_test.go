package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorMonotonic(t *testing.T) {
	a := NewAllocator(0)
	prev := int64(0)
	for i := 0; i < 100; i++ {
		next := a.Next()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestAllocatorObserveAdvances(t *testing.T) {
	a := NewAllocator(0)
	a.Observe(500)
	assert.Equal(t, int64(501), a.Next())

	a.Observe(10) // lower than current, must not regress
	assert.Equal(t, int64(502), a.Next())
}

func TestCodecRoundTrip(t *testing.T) {
	c, err := NewCodec("test-salt")
	require.NoError(t, err)

	for _, id := range []int64{1, 2, 42, 1 << 40} {
		token, err := c.Encode(id)
		require.NoError(t, err)
		require.NotEmpty(t, token)
		assert.Equal(t, id, c.Decode(token))
	}
}

func TestCodecTamperedTokenDecodesNonPositive(t *testing.T) {
	c, err := NewCodec("test-salt")
	require.NoError(t, err)

	token, err := c.Encode(42)
	require.NoError(t, err)

	tampered := []byte(token)
	tampered[0] ^= 0xFF
	assert.LessOrEqual(t, c.Decode(string(tampered)), int64(0))
	assert.LessOrEqual(t, c.Decode("not-a-real-token"), int64(0))
	assert.LessOrEqual(t, c.Decode(""), int64(0))
}

func TestCodecProcessScoped(t *testing.T) {
	a, err := NewCodec("salt-a")
	require.NoError(t, err)
	b, err := NewCodec("salt-b")
	require.NoError(t, err)

	token, err := a.Encode(123)
	require.NoError(t, err)
	assert.LessOrEqual(t, b.Decode(token), int64(0))
}

package cipher

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	c, err := New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	sealed, err := c.Seal([]byte(`{"text":"hello"}`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, sealPrefix))
	assert.NotContains(t, sealed, "hello")

	plain, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"text":"hello"}`, string(plain))
}

func TestSealUsesFreshNonce(t *testing.T) {
	c, err := New([]byte("0123456789abcdef"))
	require.NoError(t, err)

	a, err := c.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := c.Seal([]byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestOpenWithWrongKey(t *testing.T) {
	a, err := New([]byte("key-one-0123456789"))
	require.NoError(t, err)
	b, err := New([]byte("key-two-0123456789"))
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.Error(t, err)
}

func TestOpenMalformed(t *testing.T) {
	c, err := New([]byte("0123456789abcdef"))
	require.NoError(t, err)

	for _, input := range []string{"", "plain text", "v1:!!!", "v1:" + base64.StdEncoding.EncodeToString([]byte("short"))} {
		_, err := c.Open(input)
		assert.ErrorIs(t, err, ErrMalformed, "input %q", input)
	}
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New([]byte("short"))
	assert.Error(t, err)
}

func TestNewFromBase64(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	c, err := NewFromBase64(key)
	require.NoError(t, err)
	require.NotNil(t, c)

	_, err = NewFromBase64("not base64 at all!")
	assert.Error(t, err)
}

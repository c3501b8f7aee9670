package hosts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretBox_RoundTrip(t *testing.T) {
	salt, err := newSalt()
	require.NoError(t, err)

	box := newSecretBox("/opt/dockerpilot", salt)

	ciphertext, err := box.seal([]byte(`{"password":"hunter2"}`))
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "hunter2")

	plaintext, err := box.open(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, `{"password":"hunter2"}`, string(plaintext))
}

func TestSecretBox_WrongKeyFails(t *testing.T) {
	salt, err := newSalt()
	require.NoError(t, err)

	box := newSecretBox("/opt/dockerpilot", salt)
	other := newSecretBox("/opt/elsewhere", salt)

	ciphertext, err := box.seal([]byte("secret"))
	require.NoError(t, err)

	_, err = other.open(ciphertext)
	assert.Error(t, err)
}

func TestSecretBox_TruncatedCiphertext(t *testing.T) {
	salt, err := newSalt()
	require.NoError(t, err)

	box := newSecretBox("/opt/dockerpilot", salt)

	_, err = box.open([]byte{0x01, 0x02})
	assert.Error(t, err)
}

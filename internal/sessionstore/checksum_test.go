package sessionstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumDeterministic(t *testing.T) {
	creds := testCreds("123@s.whatsapp.net")
	a, err := ChecksumPayload(creds)
	require.NoError(t, err)
	b, err := ChecksumPayload(creds)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestChecksumDetectsFieldChange(t *testing.T) {
	a, err := ChecksumPayload(testCreds("123@s.whatsapp.net"))
	require.NoError(t, err)
	b, err := ChecksumPayload(testCreds("456@s.whatsapp.net"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestChecksumStoredRejectsGarbage(t *testing.T) {
	_, err := ChecksumStored("{not json")
	assert.Error(t, err)
}

func TestPayloadValidation(t *testing.T) {
	assert.True(t, testCreds("123@s.whatsapp.net").Valid())
	assert.False(t, CredentialPayload{}.Valid())
}

func TestStateBlobRoundTrip(t *testing.T) {
	state := []byte(`{"chats":[{"jid":"123@s.whatsapp.net","unread":3}]}`)
	blob, err := CompressState(state)
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	out, err := DecompressState(blob)
	require.NoError(t, err)
	assert.Equal(t, state, out)
}

func TestStateBlobEmpty(t *testing.T) {
	blob, err := CompressState(nil)
	require.NoError(t, err)
	assert.Nil(t, blob)

	out, err := DecompressState(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeypairRoundTrip(t *testing.T) {
	require := require.New(t)

	kp, err := GenerateRSAKeypair()
	require.NoError(err)

	pub, priv, err := ParseRSAPrivateKey(kp.PrivateKey)
	require.NoError(err)
	require.True(pub.Equal(&priv.PublicKey))

	parsed, err := ParseRSAPublicKey(kp.PublicKey)
	require.NoError(err)
	require.True(parsed.Equal(pub))
}

func TestParseRSAPublicKeyRejectsGarbage(t *testing.T) {
	require := require.New(t)

	_, err := ParseRSAPublicKey([]byte("not a key"))
	require.Error(err)

	kp, err := GenerateRSAKeypair()
	require.NoError(err)
	_, err = ParseRSAPublicKey(kp.PrivateKey)
	require.Error(err)
}

package objectstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyUsesForwardSlashesAndNoLeadingSlash(t *testing.T) {
	k, err := Key("/root/b1/sub/new.bin", "/root/b1")
	require.NoError(t, err)
	require.Equal(t, "sub/new.bin", k)
	require.False(t, len(k) > 0 && k[0] == '/')
}

func TestKeyIsStableAcrossRepeatedCalls(t *testing.T) {
	k1, err := Key("/root/b1/a.bin", "/root/b1")
	require.NoError(t, err)

	k2, err := Key("/root/b1/a.bin", "/root/b1")
	require.NoError(t, err)

	require.Equal(t, k1, k2)
}

func TestKeyUnescapesURLEscapes(t *testing.T) {
	k, err := Key("/root/b1/a%20b.bin", "/root/b1")
	require.NoError(t, err)
	require.Equal(t, "a b.bin", k)
}

package keys

import (
	"crypto/md5"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ntpctl/internal/config"
	"firestige.xyz/ntpctl/internal/core"
)

func TestSignVerifyAllTypes(t *testing.T) {
	types := map[string]int{
		TypeMD5:        16,
		TypeSHA1:       20,
		TypeSHA256:     20,
		TypeSHA3:       20,
		TypeAES128CMAC: 16,
	}
	msg := []byte("\x16\x02\x00\x01\x00\x00\x00\x00\x00\x00\x00\x00")

	for typ, size := range types {
		t.Run(typ, func(t *testing.T) {
			s := NewStore()
			require.NoError(t, s.Add(3, typ, "secret", true))

			sum, err := s.Sign(3, msg)
			require.NoError(t, err)
			assert.Len(t, sum, size)
			assert.True(t, s.Verify(3, msg, sum))

			tampered := append([]byte{}, msg...)
			tampered[0] ^= 0x01
			assert.False(t, s.Verify(3, tampered, sum))
		})
	}
}

func TestMD5DigestLayout(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(1, "md5", "pw", true))
	msg := []byte("payload")

	sum, err := s.Sign(1, msg)
	require.NoError(t, err)
	want := md5.Sum(append([]byte("pw"), msg...))
	assert.Equal(t, want[:], sum)
}

func TestUntrustedAndMissingKeys(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(5, TypeSHA1, "abc", false))

	assert.False(t, s.Trusted(5))
	assert.False(t, s.Trusted(6))

	_, err := s.Sign(5, []byte("x"))
	assert.ErrorIs(t, err, core.ErrKeyUntrusted)
	_, err = s.Sign(6, []byte("x"))
	assert.ErrorIs(t, err, core.ErrKeyNotFound)
	assert.False(t, s.Verify(5, []byte("x"), make([]byte, 20)))

	require.NoError(t, s.SetTrusted(5, true))
	assert.True(t, s.Trusted(5))
	assert.ErrorIs(t, s.SetTrusted(99, true), core.ErrKeyNotFound)
}

func TestLoadReplacesKeysAndHexSecrets(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(9, TypeMD5, "old", true))
	err := s.Load([]config.KeyConfig{
		{ID: 1, Type: "sha256", Secret: "00112233445566778899aabbccddeeff00112233", Trusted: true},
	})
	require.NoError(t, err)
	assert.False(t, s.Trusted(9))
	assert.True(t, s.Trusted(1))

	err = s.Load([]config.KeyConfig{{ID: 2, Type: "rot13", Secret: "x"}})
	assert.ErrorIs(t, err, core.ErrUnsupportedKeyType)
	err = s.Load([]config.KeyConfig{{ID: 2, Secret: "this-is-definitely-not-hex"}})
	assert.Error(t, err)
}

func TestStatsCounters(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(1, TypeMD5, "a", true))
	require.NoError(t, s.Add(2, TypeMD5, "b", true))

	sum, _ := s.Sign(1, []byte("m"))
	s.Verify(1, []byte("m"), sum)
	s.Trusted(2)
	s.Trusted(77)

	st := s.Stats()
	assert.Equal(t, 2, st.Keys)
	assert.Equal(t, uint64(4), st.Lookups)
	assert.Equal(t, uint64(1), st.NotFound)
	assert.Equal(t, uint64(2), st.Uncached)
	assert.Equal(t, uint64(1), st.Encryptions)
	assert.Equal(t, uint64(1), st.Decryptions)

	s.ResetStats()
	assert.Zero(t, s.Stats().Lookups)
}

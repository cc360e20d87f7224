package control

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ntpctl/internal/core"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		LIVNMode: PackLIVNMode(3, 4, ModeControl),
		REMOp:    FlagResponse | FlagMore | OpReadVar,
		Sequence: 0xbeef,
		Status:   0x0615,
		AssocID:  42,
		Offset:   468,
		Count:    100,
	}
	b := make([]byte, HeaderLen)
	h.MarshalTo(b)
	assert.Equal(t, []byte{0xe6, 0xa2, 0xbe, 0xef, 0x06, 0x15, 0x00, 0x2a, 0x01, 0xd4, 0x00, 0x64}, b)

	got, err := UnmarshalHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, uint8(4), got.Version())
	assert.Equal(t, uint8(ModeControl), got.Mode())
	assert.Equal(t, uint8(OpReadVar), got.Op())
	assert.True(t, got.More())
}

func TestDecodeRequest(t *testing.T) {
	_, _, err := DecodeRequest([]byte{1, 2, 3})
	assert.True(t, errors.Is(err, core.ErrPacketTooShort))

	b := buildRequest(FlagResponse|OpReadVar, 0, 1, "")
	_, _, err = DecodeRequest(b)
	assert.ErrorIs(t, err, core.ErrNotRequest)

	b = buildRequest(OpReadVar, 0, 1, "")
	b[9] = 8
	_, _, err = DecodeRequest(b)
	assert.ErrorIs(t, err, core.ErrBadOffset)

	b = buildRequest(OpReadVar, 0, 1, "")
	b[0] = PackLIVNMode(0, 7, ModeControl)
	_, _, err = DecodeRequest(b)
	assert.ErrorIs(t, err, core.ErrBadVersion)

	b = buildRequest(OpReadVar, 0, 1, "leap")
	h, rest, err := DecodeRequest(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(4), h.Count)
	assert.Equal(t, "leap", string(rest[:h.Count]))
}

func TestEncodeFragment(t *testing.T) {
	h := Header{LIVNMode: PackLIVNMode(0, 4, ModeControl), REMOp: FlagResponse | OpReadVar}

	pkt, err := EncodeFragment(h, []byte("abcde"), true, 0, nil)
	require.NoError(t, err)
	assert.Len(t, pkt, 20)
	got, _ := UnmarshalHeader(pkt)
	assert.Equal(t, uint16(5), got.Count)
	assert.True(t, got.More())

	pkt, err = EncodeFragment(h, []byte("abcde"), false, 9, func(b []byte) ([]byte, error) {
		assert.Len(t, b, 24)
		return make([]byte, 16), nil
	})
	require.NoError(t, err)
	assert.Len(t, pkt, 24+4+16)

	_, err = EncodeFragment(h, nil, false, 9, func([]byte) ([]byte, error) {
		return nil, core.ErrKeyNotFound
	})
	assert.ErrorIs(t, err, core.ErrKeyNotFound)
}

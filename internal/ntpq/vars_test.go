package ntpq

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVars(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Vars
	}{
		{"empty", "", nil},
		{"single", "leap=0\r\n", Vars{{"leap", "0"}}},
		{"bare name", "nonce", Vars{{"nonce", ""}}},
		{
			"quoted commas",
			`version="ntpd 4.2, beta", stratum=2,` + "\r\n" + `sys_var_list="leap,stratum"` + "\r\n",
			Vars{{"version", "ntpd 4.2, beta"}, {"stratum", "2"}, {"sys_var_list", "leap,stratum"}},
		},
		{"padding", "a=1\x00\x00\x00", Vars{{"a", "1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseVars([]byte(tt.in)))
		})
	}
}

func TestVarsAccessors(t *testing.T) {
	vs := Vars{{"a", "1"}, {"b", ""}, {"a", "2"}}
	v, ok := vs.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	_, ok = vs.Get("c")
	assert.False(t, ok)
	assert.Equal(t, map[string]string{"a": "2", "b": ""}, vs.Map())
	assert.Equal(t, "a=1, b, a=2", vs.String())
}

func TestAssembleFragments(t *testing.T) {
	frags := []fragment{
		{offset: 6, data: []byte("world")},
		{offset: 0, data: []byte("hello ")},
	}
	data, ok := assemble(frags, 11)
	require.True(t, ok)
	assert.Equal(t, "hello world", string(data))

	_, ok = assemble([]fragment{{offset: 0, data: []byte("ab")}, {offset: 4, data: []byte("ef")}}, 6)
	assert.False(t, ok)
}

func TestParseMRUPage(t *testing.T) {
	in := "nonce=0123456789abcdef01234567, addr.1=[2001:db8::1]:123, last.1=0x00000002.00000000, " +
		"addr.0=192.0.2.1:40000, ct.0=3, mv.0=35, rs.0=0x10, last.0=0x00000001.80000000, " +
		"first.0=0x00000001.00000000, xyz.0=99, last.older=0x00000000.00000001, now=0x00000003.00000000, " +
		"last.newest=0x00000002.00000000"

	page, nonce, now, done, err := parseMRUPage(ParseVars([]byte(in)))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "0123456789abcdef01234567", nonce)
	assert.Equal(t, uint32(3), now.Seconds)
	require.Len(t, page, 2)

	assert.Equal(t, netip.MustParseAddrPort("192.0.2.1:40000"), page[0].Addr)
	assert.Equal(t, 3, page[0].Count)
	assert.Equal(t, uint8(3), page[0].Mode)
	assert.Equal(t, uint8(4), page[0].Version)
	assert.Equal(t, uint16(0x10), page[0].Restrict)
	assert.Equal(t, uint32(0x80000000), page[0].Last.Fraction)
	assert.Equal(t, uint32(1), page[0].First.Seconds)

	assert.Equal(t, netip.MustParseAddrPort("[2001:db8::1]:123"), page[1].Addr)

	_, _, _, _, err = parseMRUPage(ParseVars([]byte("addr.0=nowhere")))
	assert.Error(t, err)
}

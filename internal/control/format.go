package control

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/peer"
)

// putStr writes tag="value", or the bare tag when value is empty.
func (r *response) putStr(tag, value string) {
	if value == "" {
		r.putText(tag)
		return
	}
	r.putText(tag + `="` + value + `"`)
}

// putUnqStr writes tag=value. The value must not contain commas or spaces.
func (r *response) putUnqStr(tag, value string) {
	if value == "" {
		r.putText(tag)
		return
	}
	r.putText(tag + "=" + value)
}

func (r *response) putDbl(tag string, v float64) {
	r.putText(tag + "=" + strconv.FormatFloat(v, 'f', 3, 64))
}

func (r *response) putDbl6(tag string, v float64) {
	r.putText(tag + "=" + strconv.FormatFloat(v, 'f', 6, 64))
}

func (r *response) putUint(tag string, v uint64) {
	r.putText(tag + "=" + strconv.FormatUint(v, 10))
}

func (r *response) putInt(tag string, v int64) {
	r.putText(tag + "=" + strconv.FormatInt(v, 10))
}

func (r *response) putHex(tag string, v uint64) {
	r.putText(tag + "=0x" + strconv.FormatUint(v, 16))
}

func (r *response) putTS(tag string, ts core.Timestamp) {
	r.putText(tag + "=" + ts.String())
}

// putFS writes an NTP seconds value as a UTC YYYYMMDDHHMM file stamp.
func (r *response) putFS(tag string, secs uint32) {
	t := time.Unix(int64(secs)-core.JAN1970, 0).UTC()
	r.putText(fmt.Sprintf("%s=%04d%02d%02d%02d%02d", tag, t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute()))
}

// putAdr writes an address, or the dotted quad of a when addr is invalid.
func (r *response) putAdr(tag string, a uint32, addr netip.Addr) {
	if !addr.IsValid() {
		r.putText(tag + "=" + core.NumToA(a))
		return
	}
	r.putText(tag + "=" + core.AddrString(addr))
}

// putRefID writes the printable octets of a refid up to the first NUL.
func (r *response) putRefID(tag string, refid uint32) {
	b := []byte(tag + "=")
	for _, c := range [4]byte{byte(refid >> 24), byte(refid >> 16), byte(refid >> 8), byte(refid)} {
		if c == 0 {
			break
		}
		if c < 0x20 || c > 0x7e {
			c = '.'
		}
		b = append(b, c)
	}
	r.putData(b, false)
}

// putArray writes the clock filter history newest first, starting one slot
// before start and wrapping around.
func (r *response) putArray(tag string, arr [peer.FilterSize]float64, start int) {
	b := []byte(tag + "=")
	i := start
	for n := 0; n < peer.FilterSize; n++ {
		if i <= 0 {
			i = peer.FilterSize
		}
		i--
		b = append(b, ' ')
		b = strconv.AppendFloat(b, arr[i]*1e3, 'f', 2, 64)
	}
	r.putData(b, false)
}

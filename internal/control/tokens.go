package control

// maxValueLen bounds the value of a single name=value token.
const maxValueLen = 128

type itemStatus int

const (
	itemEnd     itemStatus = iota // no tokens left
	itemFound                     // matched a table entry
	itemUnknown                   // the token names nothing in the table; the cursor is not advanced
	itemBad                       // the value overflowed; a format error has been sent
)

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\v' || c == '\f' || c == '\r'
}

// getItem parses the next name[=value] token of the request and matches it
// against vars. The first entry whose name is a prefix of the token, followed
// by optional spaces and then a comma, an '=' or the end of data, wins.
func (rq *request) getItem(vars []Var) (*Var, string, itemStatus) {
	data := rq.data
	for rq.pos < len(data) && (data[rq.pos] == ',' || isSpace(data[rq.pos])) {
		rq.pos++
	}
	if rq.pos >= len(data) {
		return nil, "", itemEnd
	}

	for i := range vars {
		v := &vars[i]
		if v.Flags&Padding != 0 {
			continue
		}
		name := varName(*v)
		if name == "" || data[rq.pos] != name[0] {
			continue
		}
		cp := rq.pos
		n := 0
		for n < len(name) && cp < len(data) && data[cp] == name[n] {
			cp++
			n++
		}
		if n < len(name) {
			continue
		}
		for cp < len(data) && isSpace(data[cp]) {
			cp++
		}
		if cp == len(data) || data[cp] == ',' {
			if cp < len(data) {
				cp++
			}
			rq.pos = cp
			return v, "", itemFound
		}
		if data[cp] != '=' {
			continue
		}
		cp++
		for cp < len(data) && isSpace(data[cp]) {
			cp++
		}
		start := cp
		for cp < len(data) && data[cp] != ',' {
			cp++
			if cp-start >= maxValueLen {
				rq.resp.fail(ErrBadFmt)
				rq.eng.stats.BadPackets.Inc()
				rq.eng.warnOnce("ntpdx", "Possible 'ntpdx' exploit from %s#%d (possibly spoofed)",
					rq.src.Addr().Unmap(), rq.src.Port())
				return nil, "", itemBad
			}
		}
		end := cp
		if cp < len(data) {
			cp++
		}
		for end > start && isSpace(data[end-1]) {
			end--
		}
		rq.pos = cp
		return v, string(data[start:end]), itemFound
	}
	return nil, "", itemUnknown
}

// rest returns the unparsed remainder of the request data.
func (rq *request) rest() string {
	if rq.pos >= len(rq.data) {
		return ""
	}
	return string(rq.data[rq.pos:])
}

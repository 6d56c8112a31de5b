package link

import (
	"sort"
	"strings"
)

// ViewerBaseURL is the prefix of every program link
const ViewerBaseURL = "https://app.jut.io/#viewer/deployment/"

// ProgramLink builds a shareable link to a program's results, optionally
// pre-filling program inputs from params:
//
//	https://app.jut.io/#viewer/deployment/{deploymentID}/program/{programID}?k1='v1'&k2='v2'
//
// Parameters are emitted in key order; values are escaped the way browsers'
// encodeURIComponent does.
func ProgramLink(deploymentID, programID string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(ViewerBaseURL)
	b.WriteString(deploymentID)
	b.WriteString("/program/")
	b.WriteString(programID)

	if len(params) == 0 {
		return b.String()
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('?')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteString("='")
		b.WriteString(EncodeURIComponent(params[k]))
		b.WriteByte('\'')
	}
	return b.String()
}

// EncodeURIComponent percent-encodes s as UTF-8, leaving only
// A-Z a-z 0-9 and - _ . ! ~ * ' ( ) unescaped
func EncodeURIComponent(s string) string {
	const hex = "0123456789ABCDEF"

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", c) >= 0
}

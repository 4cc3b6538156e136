package pickle

import (
	"strconv"
	"unicode/utf8"
)

const hexdigits = "0123456789abcdef"

// pyquote quotes s the way Python writes a str literal, but always with "
// and with \xNN instead of \u and \U escapes.
//
// The result can be pasted into Python next to pickletools.dis output of a
// checkpoint.
func pyquote(s string) string {
	return string(appendPyQuoted(nil, s, true))
}

// pyquoteBytes quotes b as the body of a Python bytes literal: everything
// outside printable ASCII is escaped byte by byte.
func pyquoteBytes(b string) string {
	return string(appendPyQuoted(nil, b, false))
}

func appendPyQuoted(out []byte, s string, text bool) []byte {
	out = append(out, '"')
	for len(s) > 0 {
		r, width := rune(s[0]), 1
		if text && r >= utf8.RuneSelf {
			r, width = utf8.DecodeRuneInString(s)
		}

		switch {
		case r == '\\' || r == '"':
			out = append(out, '\\', byte(r))
		case r == '\n':
			out = append(out, `\n`...)
		case r == '\r':
			out = append(out, `\r`...)
		case r == '\t':
			out = append(out, `\t`...)

		// U+FFFD decoded from invalid input has width 1
		case r == utf8.RuneError && width == 1:
			out = appendHexEscape(out, s[:1])
		case r < utf8.RuneSelf && r >= ' ' && r != 0x7f:
			out = append(out, byte(r))
		case text && r >= utf8.RuneSelf && strconv.IsPrint(r):
			out = append(out, s[:width]...)
		default:
			out = appendHexEscape(out, s[:width])
		}
		s = s[width:]
	}
	return append(out, '"')
}

func appendHexEscape(out []byte, raw string) []byte {
	for i := 0; i < len(raw); i++ {
		out = append(out, '\\', 'x', hexdigits[raw[i]>>4], hexdigits[raw[i]&0xf])
	}
	return out
}

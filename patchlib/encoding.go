package patchlib

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

// ErrUnknownEncoding is returned by LookupEncoding for names which are not a
// supported text encoding.
var ErrUnknownEncoding = errors.New("unknown text encoding")

// TextEncoding is the encoding used for string literals. The zero value is
// ASCII, where characters outside of it are written as '?'.
type TextEncoding struct {
	name string
	enc  encoding.Encoding
}

// ASCII is the default encoding for string literals.
var ASCII = TextEncoding{}

// UTF-16 and UTF-32 are written without a byte order mark, little-endian
// unless the name says otherwise.
var special = map[string]encoding.Encoding{
	"utf-16":   unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM),
	"utf-16le": unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM),
	"unicode":  unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM),
	"utf-16be": unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM),
	"utf-32":   utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM),
	"utf-32le": utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM),
	"utf-32be": utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM),
	"utf-8":    unicode.UTF8,
	"utf8":     unicode.UTF8,
}

// LookupEncoding finds a text encoding by its IANA or WHATWG name.
func LookupEncoding(name string) (TextEncoding, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "ascii", "us-ascii", "us":
		return ASCII, nil
	}
	if e, ok := special[n]; ok {
		return TextEncoding{n, e}, nil
	}
	if e, err := ianaindex.IANA.Encoding(n); err == nil && e != nil {
		return TextEncoding{n, e}, nil
	}
	if e, err := htmlindex.Get(n); err == nil && e != nil {
		return TextEncoding{n, e}, nil
	}
	return ASCII, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
}

func (e TextEncoding) String() string {
	if e.enc == nil {
		return "us-ascii"
	}
	return e.name
}

// Encode encodes str. Characters which cannot be represented are replaced
// rather than causing an error.
func (e TextEncoding) Encode(str string) ([]byte, error) {
	if e.enc == nil {
		buf := make([]byte, 0, len(str))
		for _, r := range str {
			if r >= utf8.RuneSelf {
				r = '?'
			}
			buf = append(buf, byte(r))
		}
		return buf, nil
	}
	return encoding.ReplaceUnsupported(e.enc.NewEncoder()).Bytes([]byte(str))
}

package patchlib

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidPattern is returned for a signature which is not a list of hex
// bytes and wildcards.
var ErrInvalidPattern = errors.New("invalid pattern")

// Pattern is a parsed signature. Bytes with a zero mask entry are wildcards.
type Pattern struct {
	bytes []byte
	mask  []bool
}

// ParsePattern parses a space-separated list of hex bytes, where ?? (or ?)
// matches any byte, such as "48 8B 05 ?? ?? ?? ?? 48 8B D9".
func ParsePattern(pattern string) (Pattern, error) {
	fields := strings.Fields(pattern)
	if len(fields) == 0 {
		return Pattern{}, fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	p := Pattern{make([]byte, len(fields)), make([]bool, len(fields))}
	for i, f := range fields {
		switch {
		case f == "??" || f == "?":
			continue
		case len(f) == 2:
			b, err := strconv.ParseUint(f, 16, 8)
			if err != nil {
				return Pattern{}, fmt.Errorf("%w: byte %d (%q) is not hex", ErrInvalidPattern, i, f)
			}
			p.bytes[i], p.mask[i] = byte(b), true
		default:
			return Pattern{}, fmt.Errorf("%w: byte %d (%q) is not a hex pair or wildcard", ErrInvalidPattern, i, f)
		}
	}
	return p, nil
}

// Len returns the length of the pattern in bytes.
func (p Pattern) Len() int {
	return len(p.bytes)
}

// Index returns the offset of the first match at or after start, or -1.
func (p Pattern) Index(buf []byte, start int) int {
	if start < 0 {
		start = 0
	}
	n := len(p.bytes)
	if n == 0 {
		return -1
	}
outer:
	for i := start; i+n <= len(buf); i++ {
		for j := 0; j < n; j++ {
			if p.mask[j] && buf[i+j] != p.bytes[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}

func (p Pattern) String() string {
	var b strings.Builder
	for i, c := range p.bytes {
		if i != 0 {
			b.WriteByte(' ')
		}
		if !p.mask[i] {
			b.WriteString("??")
			continue
		}
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}

// PatternLen returns the number of bytes in a signature without fully
// validating it.
func PatternLen(pattern string) int {
	return len(strings.Fields(pattern))
}

// FormatPattern renders bytes as a space-separated uppercase hex signature.
func FormatPattern(buf []byte) string {
	var b strings.Builder
	for i, c := range buf {
		if i != 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}

var (
	patternIntRe    = regexp.MustCompile(`^[+-]?[0-9]+$`)
	patternHasFloat = regexp.MustCompile(`[0-9]+f`)
)

// TranslatePattern converts a literal into the signature to search for. Only
// the natural widths are used: a plain integer is a 32-bit int, an f suffix is
// a 32-bit float, other numbers are 64-bit doubles (with the same grammar as
// EncodeValue) and quoted strings are encoded with enc. There are no width
// suffixes or bytes() form here.
func TranslatePattern(token string, enc TextEncoding) (string, error) {
	token = strings.TrimSpace(token)

	if patternIntRe.MatchString(token) {
		if v, err := strconv.ParseInt(token, 10, 32); err == nil {
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, uint32(int32(v)))
			return FormatPattern(buf), nil
		}
	}

	if patternHasFloat.MatchString(token) {
		if m := floatRe.FindStringSubmatch(token); m != nil {
			if f, err := strconv.ParseFloat(m[1], 32); err == nil {
				buf := make([]byte, 4)
				binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(f)))
				return FormatPattern(buf), nil
			}
		}
	}

	if m := doubleRe.FindStringSubmatch(token); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			buf := make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
			return FormatPattern(buf), nil
		}
	}

	if m := quotedRe.FindStringSubmatch(token); m != nil {
		str, err := Unescape(m[1])
		if err != nil {
			return "", fmt.Errorf("%w: string %s: %v", ErrUnparseableLiteral, token, err)
		}
		buf, err := enc.Encode(str)
		if err != nil {
			return "", fmt.Errorf("encode string %s as %s: %w", token, enc, err)
		}
		if len(buf) == 0 {
			return "", fmt.Errorf("%w: empty string", ErrUnparseableLiteral)
		}
		return FormatPattern(buf), nil
	}

	return "", fmt.Errorf("%w: %q is not an int, float, double or string", ErrUnparseableLiteral, token)
}

package patchlib

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrUnparseableLiteral is returned when a literal matches none of the
	// value grammars.
	ErrUnparseableLiteral = errors.New("unparseable literal")
	// ErrNoBytesSpecified is returned for a bytes() literal without any hex
	// pairs in it.
	ErrNoBytesSpecified = errors.New("no bytes specified")
)

// Kind is the type a literal was encoded as.
type Kind int

const (
	KindInt8 Kind = iota
	KindUint8
	KindInt16
	KindUint16
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindFloat32
	KindFloat64
	KindBytes
	KindString
)

var kindNames = [...]string{"int8", "uint8", "int16", "uint16", "int32", "uint32", "int64", "uint64", "float32", "float64", "bytes", "string"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Value is an encoded literal.
type Value struct {
	Kind  Kind
	Bytes []byte
	// Desc is a human-readable rendering of the decoded value, without the kind.
	Desc string
}

func (v Value) String() string {
	return v.Kind.String() + " " + v.Desc
}

var (
	floatRe  = regexp.MustCompile(`^([+-]?[0-9]+(?:\.[0-9]+)?)f$`)
	doubleRe = regexp.MustCompile(`^([+-]?(?:[0-9]+\.?[0-9]*|\.[0-9]+)(?:[eE][+-]?[0-9]+)?)d?$`)
	bytesRe  = regexp.MustCompile(`(?i)bytes\((.*)\)`)
	hexPair  = regexp.MustCompile(`[0-9A-Fa-f]{2}`)
	quotedRe = regexp.MustCompile(`"(.*)"`)
)

// EncodeValue encodes a literal into the bytes to write. The grammars are
// tried in order: integer (with optional 0x/0b radix and a [us]?[bsl]?
// width/signedness suffix), float (f suffix), double (optional d suffix),
// bytes(XX XX ...), and finally a double-quoted string encoded with enc.
//
// If stringLength is larger than the encoded length of a string literal, the
// result is padded with zeros up to it. It never truncates, and it has no
// effect on other kinds.
func EncodeValue(token string, enc TextEncoding, stringLength int) (Value, error) {
	token = strings.TrimSpace(token)

	if v, ok := encodeInt(token); ok {
		return v, nil
	}

	if m := floatRe.FindStringSubmatch(token); m != nil {
		if f, err := strconv.ParseFloat(m[1], 32); err == nil {
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(f)))
			return Value{KindFloat32, buf, strconv.FormatFloat(f, 'g', -1, 32)}, nil
		}
	}

	if m := doubleRe.FindStringSubmatch(token); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			buf := make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
			return Value{KindFloat64, buf, strconv.FormatFloat(f, 'g', -1, 64)}, nil
		}
	}

	if m := bytesRe.FindStringSubmatch(token); m != nil {
		pairs := hexPair.FindAllString(m[1], -1)
		if len(pairs) == 0 {
			return Value{}, fmt.Errorf("%w: bytes should be specified in hex such as bytes(EA 21 FB 8C E1)", ErrNoBytesSpecified)
		}
		buf := make([]byte, len(pairs))
		for i, p := range pairs {
			b, _ := strconv.ParseUint(p, 16, 8)
			buf[i] = byte(b)
		}
		return Value{KindBytes, buf, FormatPattern(buf)}, nil
	}

	if m := quotedRe.FindStringSubmatch(token); m != nil {
		str, err := Unescape(m[1])
		if err != nil {
			return Value{}, fmt.Errorf("%w: string %s: %v", ErrUnparseableLiteral, token, err)
		}
		buf, err := enc.Encode(str)
		if err != nil {
			return Value{}, fmt.Errorf("encode string %s as %s: %w", token, enc, err)
		}
		if len(buf) < stringLength {
			buf = append(buf, make([]byte, stringLength-len(buf))...)
		}
		return Value{KindString, buf, strconv.Quote(str)}, nil
	}

	return Value{}, fmt.Errorf("%w: %q is not an int, float, double, bytes or string", ErrUnparseableLiteral, token)
}

// encodeInt handles [sign][0x|0b]digits[suffix]. The digits end at the first
// character which is not valid for the radix, so 0x1b is a 32-bit int but
// 0x1sb is a signed byte.
func encodeInt(token string) (Value, bool) {
	s := token
	var neg bool
	if len(s) > 0 && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}

	base, valid := 10, isDec
	switch {
	case strings.HasPrefix(s, "0x"):
		base, valid, s = 16, isHex, s[2:]
	case strings.HasPrefix(s, "0b"):
		base, valid, s = 2, isBin, s[2:]
	}

	n := 0
	for n < len(s) && valid(s[n]) {
		n++
	}
	if n == 0 {
		return Value{}, false
	}
	digits, suffix := s[:n], s[n:]

	kind, ok := intSuffix(suffix)
	if !ok {
		return Value{}, false
	}

	var bits int
	switch kind {
	case KindInt8, KindUint8:
		bits = 8
	case KindInt16, KindUint16:
		bits = 16
	case KindInt32, KindUint32:
		bits = 32
	default:
		bits = 64
	}
	signed := kind == KindInt8 || kind == KindInt16 || kind == KindInt32 || kind == KindInt64

	var u uint64
	var desc string
	switch {
	case !signed:
		if neg {
			return Value{}, false
		}
		v, err := strconv.ParseUint(digits, base, bits)
		if err != nil {
			return Value{}, false
		}
		u, desc = v, strconv.FormatUint(v, 10)
	case base == 10:
		lit := digits
		if neg {
			lit = "-" + lit
		}
		v, err := strconv.ParseInt(lit, 10, bits)
		if err != nil {
			return Value{}, false
		}
		u, desc = uint64(v), strconv.FormatInt(v, 10)
	default:
		// hex and binary may spell out the two's complement bit pattern
		v, err := strconv.ParseUint(digits, base, bits)
		if err != nil {
			return Value{}, false
		}
		if neg {
			v = -v
		}
		u = v
		desc = strconv.FormatInt(signExtend(v, bits), 10)
	}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, u)
	return Value{kind, buf[:bits/8], desc}, true
}

// intSuffix maps an integer suffix to a kind. A lone s is the 16-bit width
// letter, not the sign letter, so 10s is a short like 10ss.
func intSuffix(suffix string) (Kind, bool) {
	signed := true
	if len(suffix) > 1 || suffix == "u" {
		switch suffix[0] {
		case 'u':
			signed = false
		case 's':
		default:
			return 0, false
		}
		suffix = suffix[1:]
	}
	var k Kind
	switch suffix {
	case "":
		k = KindInt32
	case "b":
		k = KindInt8
	case "s":
		k = KindInt16
	case "l":
		k = KindInt64
	default:
		return 0, false
	}
	if !signed {
		k++ // unsigned kinds follow their signed counterpart
	}
	return k, true
}

func signExtend(v uint64, bits int) int64 {
	shift := uint(64 - bits)
	return int64(v<<shift) >> shift
}

func isDec(c byte) bool { return c >= '0' && c <= '9' }
func isBin(c byte) bool { return c == '0' || c == '1' }
func isHex(c byte) bool {
	return isDec(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// Unescape resolves backslash escapes in a string literal body: \n \r \t \v
// \0 \a \b \f \\ \" \' \xHH and \uHHHH.
func Unescape(str string) (string, error) {
	var buf bytes.Buffer
	for len(str) > 0 {
		if str[0] != '\\' {
			buf.WriteByte(str[0])
			str = str[1:]
			continue
		}
		if len(str) < 2 {
			return "", errors.New("trailing backslash")
		}
		switch c := str[1]; c {
		case 'n':
			buf.WriteByte('\n')
		case 'r':
			buf.WriteByte('\r')
		case 't':
			buf.WriteByte('\t')
		case 'v':
			buf.WriteByte('\v')
		case 'a':
			buf.WriteByte('\a')
		case 'b':
			buf.WriteByte('\b')
		case 'f':
			buf.WriteByte('\f')
		case '0':
			buf.WriteByte(0)
		case '\\', '"', '\'':
			buf.WriteByte(c)
		case 'x':
			if len(str) < 4 {
				return "", errors.New("short \\x escape")
			}
			b, err := strconv.ParseUint(str[2:4], 16, 8)
			if err != nil {
				return "", fmt.Errorf("invalid \\x escape %q", str[:4])
			}
			buf.WriteRune(rune(b))
			str = str[4:]
			continue
		case 'u':
			if len(str) < 6 {
				return "", errors.New("short \\u escape")
			}
			r, err := strconv.ParseUint(str[2:6], 16, 16)
			if err != nil {
				return "", fmt.Errorf("invalid \\u escape %q", str[:6])
			}
			buf.WriteRune(rune(r))
			str = str[6:]
			continue
		default:
			return "", fmt.Errorf("unknown escape \\%c", c)
		}
		str = str[2:]
	}
	return buf.String(), nil
}

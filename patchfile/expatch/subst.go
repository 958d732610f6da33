package expatch

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/expr-lang/expr"
	"github.com/pgaskin/expatch/patchlib"
)

// Templates are resolved in three stages, each returning a new slice:
//
//  1. symbols: variables, literal constants and register snippets, before
//     anything is scanned for
//  2. scans: scan constants which were found
//  3. address: {patchAddress}, {replacementAddress}, {call} and {jump}, for
//     each occurrence acted on
//
// Anything still in braces afterwards is an unresolved placeholder.

var (
	pushXmmRe     = regexp.MustCompile(`(?i)\{pushXmm([0-9]+)\}`)
	popXmmRe      = regexp.MustCompile(`(?i)\{popXmm([0-9]+)\}`)
	callRe        = regexp.MustCompile(`(?i)\{call\s+([^{}]+)\}`)
	jumpRe        = regexp.MustCompile(`(?i)\{(?:jump|jmp)\s+([^{}]+)\}`)
	placeholderRe = regexp.MustCompile(`\{[^{}]+\}`)
	quotedRe      = regexp.MustCompile(`"(?:[^"\\]|\\.)*"`)
)

// Symbols is the set of names which are substituted before scanning.
type Symbols struct {
	Vars   []Var
	Consts []Const
}

// Var is an allocated variable.
type Var struct {
	Name string
	Addr uint64
}

// Address is a found scan constant.
type Address struct {
	Name string
	Addr uint64
}

// ResolveSymbols is the first stage. Snippets spanning multiple lines are
// split into separate template lines.
func ResolveSymbols(template []string, syms Symbols, arch patchlib.Arch) []string {
	r := make([]string, 0, len(template))
	for _, line := range template {
		for _, v := range syms.Vars {
			line = strings.ReplaceAll(line, "{"+v.Name+"}", strconv.FormatUint(v.Addr, 10))
		}
		for _, c := range syms.Consts {
			line = strings.ReplaceAll(line, "{"+c.Name+"}", c.Value)
		}
		line = strings.ReplaceAll(line, "{pushCaller}", arch.PushCallerSaved())
		line = strings.ReplaceAll(line, "{popCaller}", arch.PopCallerSaved())
		line = strings.ReplaceAll(line, "{pushXmm}", arch.PushAllXmm())
		line = strings.ReplaceAll(line, "{popXmm}", arch.PopAllXmm())
		line = replaceXmm(line, pushXmmRe, arch, arch.PushXmm)
		line = replaceXmm(line, popXmmRe, arch, arch.PopXmm)
		r = append(r, strings.Split(line, "\n")...)
	}
	return r
}

// replaceXmm replaces indexed xmm placeholders. Registers which do not exist
// are left as-is.
func replaceXmm(line string, re *regexp.Regexp, arch patchlib.Arch, fn func(int) string) string {
	return re.ReplaceAllStringFunc(line, func(tok string) string {
		n, err := strconv.Atoi(re.FindStringSubmatch(tok)[1])
		if err != nil || n >= arch.XmmCount() {
			return tok
		}
		return fn(n)
	})
}

// ResolveScans is the second stage. Scan constants which were not found are
// not passed in, so their placeholders remain.
func ResolveScans(template []string, found []Address) []string {
	r := make([]string, len(template))
	for i, line := range template {
		for _, a := range found {
			line = strings.ReplaceAll(line, "{"+a.Name+"}", strconv.FormatUint(a.Addr, 10))
		}
		r[i] = line
	}
	return r
}

// ResolveAddress is the third stage, for a patch found at addr. Call and jump
// targets which cannot be evaluated are logged and left as-is.
func ResolveAddress(template []string, addr uint64, arch patchlib.Arch, l log.Interface) []string {
	a := strconv.FormatUint(addr, 10)
	r := make([]string, 0, len(template))
	for _, line := range template {
		line = strings.ReplaceAll(line, "{patchAddress}", a)
		line = strings.ReplaceAll(line, "{replacementAddress}", a)
		line = replaceTarget(line, callRe, "call", arch.CallMnemonics, l)
		line = replaceTarget(line, jumpRe, "jump", arch.JumpMnemonics, l)
		r = append(r, strings.Split(line, "\n")...)
	}
	return r
}

func replaceTarget(line string, re *regexp.Regexp, what string, fn func(uint64) string, l log.Interface) string {
	return re.ReplaceAllStringFunc(line, func(tok string) string {
		e := re.FindStringSubmatch(tok)[1]
		addr, err := evalAddress(e)
		if err != nil {
			l.WithError(err).Errorf("Unable to parse address %s for %s instruction", strings.TrimSpace(e), what)
			return tok
		}
		return fn(addr)
	})
}

// Unresolved returns the placeholders left in a template. Quoted strings are
// only checked for the named scan constants which weren't found, since other
// braces in them are usually literal text.
func Unresolved(template []string, missing ...string) []string {
	var u []string
	for _, line := range template {
		u = append(u, placeholderRe.FindAllString(quotedRe.ReplaceAllString(line, `""`), -1)...)
		for _, q := range quotedRe.FindAllString(line, -1) {
			for _, n := range missing {
				if strings.Contains(q, "{"+n+"}") {
					u = append(u, "{"+n+"}")
				}
			}
		}
	}
	return u
}

// evalInt evaluates an integer arithmetic expression.
func evalInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty expression")
	}
	v, err := expr.Eval(s, map[string]interface{}{})
	if err != nil {
		return 0, err
	}
	switch v := v.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("%s: %d is out of range", s, v)
		}
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) || math.Abs(v) > 1<<53 {
			return 0, fmt.Errorf("%s: %v is not an integer", s, v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%s: %v (%T) is not an integer", s, v, v)
	}
}

func evalAddress(s string) (uint64, error) {
	v, err := evalInt(s)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: negative address %d", strings.TrimSpace(s), v)
	}
	return uint64(v), nil
}

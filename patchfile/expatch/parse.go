package expatch

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/pgaskin/expatch/patchlib"
)

type lineKind int

const (
	lineBlank lineKind = iota
	lineHeader
	lineVar
	lineConst
	lineDirective
	lineTemplate
)

// line is a classified source line. Which fields are set depends on the kind.
type line struct {
	kind lineKind
	num  int
	text string

	replacement bool   // header
	name        string // header, var, const
	length      string // var, may be empty
	value       string // var, const, directive
	hasValue    bool   // var
	key         string // directive, lowercase
}

var (
	headerRe    = regexp.MustCompile(`(?i)^\[\s*(patch|replacement)(?:\s+(.*?))?\s*\]$`)
	varRe       = regexp.MustCompile(`(?i)^var\s+([^\s(=]+)(?:\(([^)]*)\))?\s*(?:=\s*(.*))?$`)
	constRe     = regexp.MustCompile(`(?i)^const\s+([^\s=]+)\s*=\s*(.+)$`)
	directiveRe = regexp.MustCompile(`(?i)^(pattern|search|order|offset|padnull|index|encoding|replacement)\s*=\s*(.*)$`)
	scanRe      = regexp.MustCompile(`(?i)scan\((.*)\)`)
	offsetRe    = regexp.MustCompile(`^([+-])?(0x|0b)?([0-9A-Fa-f]+)$`)
	stringRe    = regexp.MustCompile(`"(.*)"`)
)

// classify strips the comment from a line and determines what it is.
func classify(num int, text string) line {
	if i := strings.Index(text, "//"); i != -1 {
		text = text[:i]
	}
	text = strings.TrimSpace(text)

	l := line{num: num, text: text}
	switch {
	case text == "":
		l.kind = lineBlank
	case headerRe.MatchString(text):
		m := headerRe.FindStringSubmatch(text)
		l.kind = lineHeader
		l.replacement = strings.EqualFold(m[1], "replacement")
		l.name = m[2]
	case varRe.MatchString(text):
		m := varRe.FindStringSubmatch(text)
		l.kind = lineVar
		l.name, l.length, l.value = m[1], m[2], strings.TrimSpace(m[3])
		l.hasValue = l.value != ""
	case constRe.MatchString(text):
		m := constRe.FindStringSubmatch(text)
		l.kind = lineConst
		l.name, l.value = m[1], strings.TrimSpace(m[2])
	case directiveRe.MatchString(text):
		m := directiveRe.FindStringSubmatch(text)
		l.kind = lineDirective
		l.key, l.value = strings.ToLower(m[1]), strings.TrimSpace(m[2])
	default:
		l.kind = lineTemplate
	}
	return l
}

type state int

const (
	stateIdle state = iota
	statePatch
	stateReplacement
	stateDone
)

// block is the patch being accumulated.
type block struct {
	line        int
	name        string
	patternText string
	search      bool
	template    []string
	order       string
	offset      int64
	padNull     bool
	indices     []int
	allIndices  bool
	encoding    patchlib.TextEncoding
}

type parser struct {
	arch   patchlib.Arch
	log    log.Interface
	file   *File
	state  state
	cur    block
	vars   map[string]bool
	consts map[string]bool
}

// Parse parses an expatch file. Patch templates are prefixed with the marker
// for arch. Problems with individual lines are logged and the lines are
// ignored, so the only errors are from reading the source.
func Parse(name string, src []byte, arch patchlib.Arch, l log.Interface) (*File, error) {
	if l == nil {
		l = log.Log
	}
	p := &parser{
		arch:   arch,
		log:    l.WithField("file", name),
		file:   &File{Name: name},
		vars:   map[string]bool{},
		consts: map[string]bool{},
	}

	sc := bufio.NewScanner(bytes.NewReader(src))
	sc.Buffer(nil, 1024*1024)
	for n := 1; sc.Scan(); n++ {
		p.line(classify(n, sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	p.emit()
	p.state = stateDone
	return p.file, nil
}

func (p *parser) line(l line) {
	switch l.kind {
	case lineBlank:
	case lineHeader:
		p.emit()
		p.cur = block{line: l.num, name: l.name, padNull: true}
		if l.replacement {
			p.state = stateReplacement
		} else {
			p.state = statePatch
		}
	case lineVar:
		p.declareVar(l)
	case lineConst:
		p.declareConst(l)
	case lineDirective:
		if p.state == stateIdle {
			p.log.WithField("line", l.num).Debugf("Ignoring %s outside of a patch", l.key)
			return
		}
		p.directive(l)
	case lineTemplate:
		switch p.state {
		case statePatch:
			p.cur.template = append(p.cur.template, l.text)
		case stateReplacement:
			p.log.WithField("line", l.num).Debugf("Ignoring %q in replacement %s", l.text, p.cur.name)
		}
	}
}

func (p *parser) declareVar(l line) {
	ctx := p.log.WithFields(log.Fields{"var": l.name, "line": l.num})
	if p.vars[l.name] {
		ctx.Warnf("Variable %s already exists, ignoring duplicate declaration of it", l.name)
		return
	}

	length := 4
	switch {
	case l.length != "":
		if n, err := strconv.Atoi(l.length); err != nil || n <= 0 {
			ctx.Warnf("Invalid variable length %q, defaulting to length of 4 bytes", l.length)
		} else {
			length = n
		}
	case l.hasValue:
		if m := stringRe.FindStringSubmatch(l.value); m != nil {
			length = len(m[1]) + 1
		}
	}

	p.vars[l.name] = true
	p.file.Vars = append(p.file.Vars, VarDecl{
		Name:     l.name,
		Line:     l.num,
		Length:   length,
		Value:    l.value,
		HasValue: l.hasValue,
	})
}

func (p *parser) declareConst(l line) {
	ctx := p.log.WithFields(log.Fields{"const": l.name, "line": l.num})
	if p.consts[l.name] {
		ctx.Warnf("Constant %s already exists, ignoring duplicate declaration of it", l.name)
		return
	}
	p.consts[l.name] = true
	if m := scanRe.FindStringSubmatch(l.value); m != nil {
		p.file.ScanConsts = append(p.file.ScanConsts, ScanConst{l.name, strings.TrimSpace(m[1])})
		return
	}
	p.file.Consts = append(p.file.Consts, Const{l.name, l.value})
}

func (p *parser) directive(l line) {
	ctx := p.log.WithFields(log.Fields{"line": l.num, "value": l.value})
	switch l.key {
	case "pattern":
		p.cur.patternText, p.cur.search = l.value, false
	case "search":
		if _, err := patchlib.TranslatePattern(l.value, p.cur.encoding); err != nil {
			ctx.WithError(err).Warnf("Unable to parse %s as an int, double, float or string, not creating search pattern", l.value)
			return
		}
		p.cur.patternText, p.cur.search = l.value, true
	case "order":
		p.cur.order = strings.ToLower(l.value)
	case "offset":
		if off, ok := parseOffset(l.value); ok {
			p.cur.offset = off
		} else {
			ctx.Warnf("Unable to parse offset %s as an int, leaving offset as %d", l.value, p.cur.offset)
		}
	case "padnull":
		switch {
		case strings.EqualFold(l.value, "true"):
			p.cur.padNull = true
		case strings.EqualFold(l.value, "false"):
			p.cur.padNull = false
		default:
			ctx.Warnf("Unable to parse %s as a boolean (true or false), leaving padNull as %t", l.value, p.cur.padNull)
		}
	case "index":
		p.index(l, ctx)
	case "encoding":
		enc, err := patchlib.LookupEncoding(l.value)
		if err != nil {
			ctx.WithError(err).Warnf("Unable to parse encoding %s, defaulting to %s", l.value, enc)
		}
		p.cur.encoding = enc
	case "replacement":
		p.cur.template = append(p.cur.template, l.value)
	}
}

// index handles a comma-separated list of occurrence expressions. If any of
// them is "all", every occurrence is used and the rest of the line is ignored.
func (p *parser) index(l line, ctx log.Interface) {
	exprs := strings.Split(l.value, ",")
	for _, e := range exprs {
		if strings.EqualFold(strings.TrimSpace(e), "all") {
			p.cur.allIndices = true
			return
		}
	}
	for _, e := range exprs {
		n, err := evalInt(e)
		switch {
		case err != nil:
			ctx.WithError(err).Warnf("Unable to parse %s as an integer index, ignoring it", strings.TrimSpace(e))
		case n <= 0:
			ctx.Warnf("Index %d is not positive (occurrences start at 1), ignoring it", n)
		default:
			p.cur.indices = append(p.cur.indices, int(n))
		}
	}
}

func parseOffset(s string) (int64, bool) {
	m := offsetRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	base := 10
	switch m[2] {
	case "0x":
		base = 16
	case "0b":
		base = 2
	}
	v, err := strconv.ParseInt(m[3], base, 32)
	if err != nil {
		return 0, false
	}
	if m[1] == "-" {
		v = -v
	}
	return v, true
}

// emit closes the current block, adding it to the file if it has any content.
func (p *parser) emit() {
	if p.state != statePatch && p.state != stateReplacement {
		return
	}
	b := p.cur
	p.cur = block{}
	if len(b.template) == 0 {
		p.log.WithFields(log.Fields{"patch": b.name, "line": b.line}).Debug("Ignoring empty block")
		return
	}

	pt := &Patch{
		Name:        b.name,
		Line:        b.line,
		Replacement: p.state == stateReplacement,
		PatternText: b.patternText,
		Order:       b.order,
		Offset:      b.offset,
		PadNull:     b.padNull,
		Indices:     uniqueSorted(b.indices),
		AllIndices:  b.allIndices,
		Encoding:    b.encoding,
	}

	if b.patternText != "" {
		ctx := p.log.WithFields(log.Fields{"patch": b.name, "line": b.line, "value": b.patternText})
		// pattern= also accepts a raw signature when it isn't a literal
		pat, err := patchlib.TranslatePattern(b.patternText, b.encoding)
		if err != nil && !b.search {
			if sig, serr := patchlib.ParsePattern(b.patternText); serr == nil {
				pat, err = sig.String(), nil
			}
		}
		if err != nil {
			ctx.WithError(err).Warn("Unable to create search pattern")
		}
		pt.Pattern = pat
	}

	if pt.Replacement {
		pt.Template = append([]string(nil), b.template...)
	} else {
		pt.Template = append([]string{p.arch.Marker()}, b.template...)
	}
	p.file.Patches = append(p.file.Patches, pt)
}

func uniqueSorted(v []int) []int {
	if len(v) == 0 {
		return nil
	}
	s := append([]int(nil), v...)
	sort.Ints(s)
	u := s[:1]
	for _, x := range s[1:] {
		if x != u[len(u)-1] {
			u = append(u, x)
		}
	}
	return u
}

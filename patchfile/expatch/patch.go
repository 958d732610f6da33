// Package expatch reads and applies expatch files, a line-oriented language
// describing hooks and value replacements located by signature scanning.
package expatch

import (
	"errors"
	"fmt"

	"github.com/pgaskin/expatch/patchlib"
)

// ErrUnresolved is returned for a patch which still contains placeholders
// after every substitution stage.
var ErrUnresolved = errors.New("unresolved placeholders")

// File is a parsed expatch file. Variables are only allocated when the file
// is applied.
type File struct {
	Name       string
	Patches    []*Patch
	Vars       []VarDecl
	Consts     []Const
	ScanConsts []ScanConst
}

// Patch is a single [patch] or [replacement] block.
type Patch struct {
	Name        string
	Line        int
	Replacement bool

	// PatternText is the value of the pattern= or search= directive as
	// written, and Pattern is the signature derived from it, or empty if it
	// could not be derived.
	PatternText string
	Pattern     string

	// Template is the assembly for a patch (starting with the architecture
	// marker), or the values for a replacement. It is not modified after
	// parsing.
	Template []string

	Order      string
	Offset     int64
	PadNull    bool
	Indices    []int // ascending, 1-based
	AllIndices bool
	Encoding   patchlib.TextEncoding
}

func (p *Patch) String() string {
	kind := "patch"
	if p.Replacement {
		kind = "replacement"
	}
	return fmt.Sprintf("%s %q", kind, p.Name)
}

// VarDecl is a variable declaration.
type VarDecl struct {
	Name     string
	Line     int
	Length   int
	Value    string
	HasValue bool
}

// Const is a literal constant.
type Const struct {
	Name  string
	Value string
}

// ScanConst is a constant whose value is the address where a signature is
// found.
type ScanConst struct {
	Name    string
	Pattern string
}

// Status is the outcome of applying a patch.
type Status int

const (
	// NotFound means the pattern was not found, or none of the requested
	// occurrences of it were.
	NotFound Status = iota
	// Applied means the patch was applied at one or more occurrences.
	Applied
	// Skipped means the patch could not be scanned for.
	Skipped
	// Failed means every occurrence which was acted on failed.
	Failed
)

func (s Status) String() string {
	switch s {
	case NotFound:
		return "not found"
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result is the outcome of applying a single patch.
type Result struct {
	Patch     *Patch
	Status    Status
	Addresses []uint64 // where it was applied, including the offset
	Err       error    // the last error, if any occurrence failed
}

package expatch

import (
	"context"

	"github.com/pgaskin/expatch/patchlib"
)

// ScanFunc scans for a signature starting at a module offset.
type ScanFunc func(ctx context.Context, pattern string, start int) (patchlib.ScanResult, error)

// Occurrence is a match of a patch's pattern.
type Occurrence struct {
	N      int // 1-based
	Offset int // from the start of the module
	Act    bool
}

// Occurrences walks the matches of a pattern, deciding which ones to act on.
// Each scan after a match starts at the end of it in the unpatched layout,
// regardless of what was written there.
type Occurrences struct {
	scan    ScanFunc
	pattern string
	size    int
	indices []int
	all     bool
	next    int
	n       int
	done    bool
}

// NewOccurrences creates an iterator over the occurrences of pattern. If
// indices is empty and all is false, only the first occurrence is acted on.
func NewOccurrences(scan ScanFunc, pattern string, indices []int, all bool) *Occurrences {
	return &Occurrences{
		scan:    scan,
		pattern: pattern,
		size:    patchlib.PatternLen(pattern),
		indices: append([]int(nil), indices...),
		all:     all,
	}
}

// Next scans for the next occurrence. It returns false once there are no
// more matches or no more occurrences are wanted.
func (it *Occurrences) Next(ctx context.Context) (Occurrence, bool, error) {
	if it.done {
		return Occurrence{}, false, nil
	}

	r, err := it.scan(ctx, it.pattern, it.next)
	if err != nil {
		it.done = true
		return Occurrence{}, false, err
	}
	if !r.Found {
		it.done = true
		return Occurrence{}, false, nil
	}

	it.n++
	o := Occurrence{N: it.n, Offset: r.Offset}
	current := len(it.indices) != 0 && it.indices[0] == it.n
	o.Act = len(it.indices) == 0 || it.all || current
	if current {
		it.indices = it.indices[1:]
	}

	it.next = r.Offset + it.size
	it.done = len(it.indices) == 0 && !it.all
	return o, true, nil
}

// Count returns the number of occurrences found so far.
func (it *Occurrences) Count() int {
	return it.n
}

// Pending returns the requested occurrences which have not been reached.
func (it *Occurrences) Pending() []int {
	return it.indices
}

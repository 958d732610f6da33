// Package patchfile provides a standard interface to read patchsets from files.
package patchfile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/pgaskin/expatch/patchlib"
	"github.com/xi2/xz"
)

// PatchSet represents a set of patches which can be applied to a Patcher.
type PatchSet interface {
	// Validate validates the PatchSet.
	Validate() error
	// ApplyTo applies a PatchSet to a Patcher. Individual patches which
	// cannot be applied are logged, so the only errors returned are ones
	// which stop the whole set, such as the context being cancelled.
	ApplyTo(ctx context.Context, p *patchlib.Patcher) error
}

// ParseFunc parses a patch file for a process of the specified architecture.
// The name is only used for logging.
type ParseFunc func(name string, buf []byte, arch patchlib.Arch, l log.Interface) (PatchSet, error)

type format struct {
	rank  int
	parse ParseFunc
}

var formats = map[string]format{}

// RegisterFormat registers a format for a file extension (including the
// dot). Within a directory, files of formats with a lower rank are loaded
// first.
func RegisterFormat(ext string, rank int, f ParseFunc) {
	ext = strings.ToLower(ext)
	if _, ok := formats[ext]; ok {
		panic("attempt to register duplicate format " + ext)
	}
	formats[ext] = format{rank, f}
}

// GetFormat gets a format by extension.
func GetFormat(ext string) (ParseFunc, bool) {
	f, ok := formats[strings.ToLower(ext)]
	return f.parse, ok
}

// GetFormats gets the extensions of all registered formats, in load order.
func GetFormats() []string {
	f := []string{}
	for n := range formats {
		f = append(f, n)
	}
	sort.Slice(f, func(i, j int) bool {
		if ri, rj := formats[f[i]].rank, formats[f[j]].rank; ri != rj {
			return ri < rj
		}
		return f[i] < f[j]
	})
	return f
}

// FormatOf returns the format extension of a filename, ignoring a trailing
// .xz, and whether it is compressed.
func FormatOf(filename string) (ext string, compressed bool) {
	ext = strings.ToLower(filepath.Ext(filename))
	if ext == ".xz" {
		compressed = true
		ext = strings.ToLower(filepath.Ext(strings.TrimSuffix(filename, filepath.Ext(filename))))
	}
	return ext, compressed
}

// ReadFile reads a file, decompressing it if it ends with .xz.
func ReadFile(filename string) ([]byte, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(filepath.Ext(filename), ".xz") {
		return buf, nil
	}
	zr, err := xz.NewReader(bytes.NewReader(buf), 0)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", filepath.Base(filename), err)
	}
	dbuf, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", filepath.Base(filename), err)
	}
	return dbuf, nil
}

// ReadFromFile reads a patchset from a file (but does not validate it). The
// format is chosen from the extension.
func ReadFromFile(filename string, arch patchlib.Arch, l log.Interface) (PatchSet, error) {
	ext, _ := FormatOf(filename)
	f, ok := GetFormat(ext)
	if !ok {
		return nil, fmt.Errorf("no format for extension '%s'", ext)
	}

	buf, err := ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("could not open patch file: %w", err)
	}

	ps, err := f(filepath.Base(filename), buf, arch, l)
	if err != nil {
		return nil, fmt.Errorf("could not parse patch file: %w", err)
	}

	return ps, nil
}

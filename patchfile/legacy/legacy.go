// Package legacy reads binary .patch files, which overwrite the first match
// of a signature with a block of bytes.
//
// The file starts with the length of the signature as a big-endian uint16,
// followed by the signature bytes, followed by the replacement bytes.
package legacy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/pgaskin/expatch/patchfile"
	"github.com/pgaskin/expatch/patchlib"
)

// ErrFormat is returned for truncated files.
var ErrFormat = errors.New("improper .patch format")

// Patch is a parsed .patch file.
type Patch struct {
	Name    string
	Pattern string
	Content []byte
}

func init() {
	patchfile.RegisterFormat(".patch", 0, func(name string, buf []byte, _ patchlib.Arch, l log.Interface) (patchfile.PatchSet, error) {
		return Parse(name, buf, l)
	})
}

// Parse parses a .patch file.
func Parse(name string, buf []byte, l log.Interface) (*Patch, error) {
	if l == nil {
		l = log.Log
	}
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: missing header length", ErrFormat)
	}
	n := int(binary.BigEndian.Uint16(buf))
	if len(buf) < 2+n {
		return nil, fmt.Errorf("%w: header length %d is longer than the file", ErrFormat, n)
	}

	p := &Patch{
		Name:    name,
		Pattern: patchlib.FormatPattern(buf[2 : 2+n]),
		Content: append([]byte(nil), buf[2+n:]...),
	}
	l.WithFields(log.Fields{
		"file":    name,
		"pattern": p.Pattern,
		"content": patchlib.FormatPattern(p.Content),
	}).Debugf("Search pattern is %d bytes", n)
	return p, nil
}

// Validate implements patchfile.PatchSet.
func (p *Patch) Validate() error {
	if p.Pattern == "" {
		return errors.New("empty search pattern")
	}
	return nil
}

// ApplyTo implements patchfile.PatchSet. The content is written at the start
// of the first match.
func (p *Patch) ApplyTo(ctx context.Context, pt *patchlib.Patcher) error {
	l := pt.Log().WithField("file", p.Name)

	r, err := pt.Scan(ctx, p.Pattern, 0)
	if err != nil {
		return err
	}
	if !r.Found {
		l.Errorf("Couldn't find pattern to replace using %s", p.Name)
		return nil
	}

	addr := pt.Base() + uint64(r.Offset)
	if err := pt.Write(addr, p.Content); err != nil {
		l.WithError(err).Errorf("Unable to overwrite pattern using %s", p.Name)
		return nil
	}
	l.WithField("address", fmt.Sprintf("0x%X", addr)).Infof("Successfully found and overwrote pattern in %s", p.Name)
	return nil
}

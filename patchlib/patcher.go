// Package patchlib provides the primitives for patching a process module:
// literal encoding, signature patterns, hook snippets, and the collaborators
// which read and write the target.
package patchlib

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
)

// ScanResult is the result of a signature scan. Offset is relative to the
// start of the module, regardless of where the scan started.
type ScanResult struct {
	Found  bool
	Offset int
}

// Scanner searches the module for a signature starting at a byte offset. It
// calls done exactly once, possibly from another goroutine.
type Scanner interface {
	Scan(pattern string, start int, done func(ScanResult))
}

// Writer writes to the memory of the process.
type Writer interface {
	Write(addr uint64, buf []byte) error
}

// Allocator allocates memory in the process.
type Allocator interface {
	Allocate(size int) (uint64, error)
}

// HookBehavior controls when the original code runs relative to the hook.
type HookBehavior int

const (
	// DoNotExecuteOriginal replaces the original code entirely.
	DoNotExecuteOriginal HookBehavior = iota
	// ExecuteFirst runs the hook before the original code.
	ExecuteFirst
	// ExecuteAfter runs the original code before the hook.
	ExecuteAfter
)

func (b HookBehavior) String() string {
	switch b {
	case ExecuteFirst:
		return "before"
	case ExecuteAfter:
		return "after"
	case DoNotExecuteOriginal:
		return "only"
	default:
		return fmt.Sprintf("HookBehavior(%d)", int(b))
	}
}

// Hook is an installed and activated hook.
type Hook interface {
	Address() uint64
}

// HookInstaller assembles a template and activates it at an address.
type HookInstaller interface {
	InstallHook(template []string, addr uint64, behavior HookBehavior) (Hook, error)
}

// Target is the module being patched. Implementations must be safe for
// concurrent use.
type Target interface {
	// Base returns the address the module is loaded at.
	Base() uint64
	Scanner
	Writer
	Allocator
	HookInstaller
}

// Patcher applies patches to a Target.
type Patcher struct {
	t    Target
	arch Arch
	log  log.Interface
}

// NewPatcher creates a new Patcher. If l is nil, the apex/log default logger
// is used.
func NewPatcher(t Target, arch Arch, l log.Interface) *Patcher {
	if l == nil {
		l = log.Log
	}
	return &Patcher{t, arch, l}
}

// Arch returns the architecture hook templates are generated for.
func (p *Patcher) Arch() Arch {
	return p.arch
}

// Log returns the logger. It is safe for concurrent use.
func (p *Patcher) Log() log.Interface {
	return p.log
}

// Base returns the base address of the module.
func (p *Patcher) Base() uint64 {
	return p.t.Base()
}

// Scan scans for a signature and waits for the result.
func (p *Patcher) Scan(ctx context.Context, pattern string, start int) (ScanResult, error) {
	if pattern == "" {
		return ScanResult{}, errors.New("Scan: empty pattern")
	}
	ch := make(chan ScanResult, 1)
	p.t.Scan(pattern, start, func(r ScanResult) {
		ch <- r
	})
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return ScanResult{}, fmt.Errorf("Scan(%q, %d): %w", pattern, start, ctx.Err())
	}
}

// Allocate allocates size bytes.
func (p *Patcher) Allocate(size int) (uint64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("Allocate: invalid size %d", size)
	}
	addr, err := p.t.Allocate(size)
	if err != nil {
		return 0, fmt.Errorf("Allocate(%d): %w", size, err)
	}
	return addr, nil
}

// Write writes buf at addr.
func (p *Patcher) Write(addr uint64, buf []byte) error {
	if err := p.t.Write(addr, buf); err != nil {
		return fmt.Errorf("Write(0x%X, %d bytes): %w", addr, len(buf), err)
	}
	return nil
}

// WriteValue encodes a literal with EncodeValue and writes it at addr. The
// name is only used for logging.
func (p *Patcher) WriteValue(value string, addr uint64, name string, stringLength int, enc TextEncoding) (Value, error) {
	v, err := EncodeValue(value, enc, stringLength)
	if err != nil {
		return Value{}, fmt.Errorf("WriteValue(%s): %w", name, err)
	}
	if err := p.Write(addr, v.Bytes); err != nil {
		return Value{}, fmt.Errorf("WriteValue(%s): %w", name, err)
	}
	p.log.WithFields(log.Fields{
		"value":   value,
		"address": fmt.Sprintf("0x%X", addr),
	}).Infof("Wrote %s %s as value of %s", v.Kind, v.Desc, name)
	return v, nil
}

// InstallHook installs and activates a hook.
func (p *Patcher) InstallHook(template []string, addr uint64, behavior HookBehavior) (Hook, error) {
	h, err := p.t.InstallHook(template, addr, behavior)
	if err != nil {
		return nil, fmt.Errorf("InstallHook(0x%X, %s): %w", addr, behavior, err)
	}
	return h, nil
}

package patchlib

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/arch/x86/x86asm"
)

// ErrOutOfRange is returned when accessing memory which is neither part of the
// module nor an allocation.
var ErrOutOfRange = errors.New("address out of range")

// minHookSize is the size of the jmp rel32 which redirects execution to a hook.
const minHookSize = 5

// HookSite is a hook recorded by an Image.
type HookSite struct {
	Addr     uint64
	Behavior HookBehavior
	Template []string
	// Displaced is the disassembly of the original instructions which would be
	// overwritten by the jump to the hook.
	Displaced []string
}

// Address implements Hook.
func (h *HookSite) Address() uint64 {
	return h.Addr
}

type allocation struct {
	addr uint64
	buf  []byte
}

// Image is an in-memory Target holding a copy of a module. Allocations are
// placed in an arena after the end of the module, and hooks are validated and
// recorded but never assembled.
type Image struct {
	mu     sync.Mutex
	buf    []byte
	base   uint64
	arch   Arch
	next   uint64
	allocs []allocation
	hooks  []*HookSite
	write  func(addr uint64, old, new []byte) error
}

// NewImage creates an Image from a copy of buf, loaded at base.
func NewImage(buf []byte, base uint64, arch Arch) *Image {
	b := make([]byte, len(buf))
	copy(b, buf)
	return &Image{
		buf:  b,
		base: base,
		arch: arch,
		next: alignUp(base+uint64(len(b)), 0x1000),
	}
}

func alignUp(v, n uint64) uint64 {
	return (v + n - 1) &^ (n - 1)
}

// OnWrite sets a function to be called right before every write. If it
// returns an error, the write is aborted and the error is passed on. The
// slices MUST NOT be modified.
func (m *Image) OnWrite(fn func(addr uint64, old, new []byte) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.write = fn
}

// Base implements Target.
func (m *Image) Base() uint64 {
	return m.base
}

// Bytes returns a copy of the current contents of the module.
func (m *Image) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := make([]byte, len(m.buf))
	copy(b, m.buf)
	return b
}

// region returns the backing slice for [addr, addr+n).
func (m *Image) region(addr uint64, n int) ([]byte, error) {
	if addr >= m.base && addr+uint64(n) <= m.base+uint64(len(m.buf)) {
		off := addr - m.base
		return m.buf[off : off+uint64(n)], nil
	}
	for _, a := range m.allocs {
		if addr >= a.addr && addr+uint64(n) <= a.addr+uint64(len(a.buf)) {
			off := addr - a.addr
			return a.buf[off : off+uint64(n)], nil
		}
	}
	return nil, fmt.Errorf("%w: 0x%X+%d", ErrOutOfRange, addr, n)
}

// Read returns a copy of n bytes at addr.
func (m *Image) Read(addr uint64, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.region(addr, n)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r)
	return b, nil
}

// Write implements Writer.
func (m *Image) Write(addr uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.region(addr, len(buf))
	if err != nil {
		return err
	}
	if m.write != nil {
		if err := m.write(addr, r, buf); err != nil {
			return err
		}
	}
	copy(r, buf)
	return nil
}

// Allocate implements Allocator. Allocations are zeroed and 16-byte aligned.
func (m *Image) Allocate(size int) (uint64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("invalid allocation size %d", size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := m.next
	m.allocs = append(m.allocs, allocation{addr, make([]byte, size)})
	m.next = alignUp(addr+uint64(size), 16)
	return addr, nil
}

// FindPattern returns the module offset of the first match of a signature at
// or after start, or -1.
func (m *Image) FindPattern(pattern string, start int) (int, error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		return -1, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return p.Index(m.buf, start), nil
}

// Scan implements Scanner. The result is delivered from a new goroutine.
func (m *Image) Scan(pattern string, start int, done func(ScanResult)) {
	go func() {
		off, err := m.FindPattern(pattern, start)
		if err != nil || off < 0 {
			done(ScanResult{})
			return
		}
		done(ScanResult{Found: true, Offset: off})
	}()
}

// InstallHook implements HookInstaller. The template must start with the
// marker for the architecture of the image, and the hooked address must start
// with enough decodable instructions to hold a jump.
func (m *Image) InstallHook(template []string, addr uint64, behavior HookBehavior) (Hook, error) {
	var marker string
	for _, line := range template {
		if line = strings.TrimSpace(line); line != "" {
			marker = strings.ToLower(line)
			break
		}
	}
	if marker != m.arch.Marker() {
		return nil, fmt.Errorf("template does not start with %s", m.arch.Marker())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.hooks {
		if h.Addr == addr {
			return nil, fmt.Errorf("0x%X is already hooked", addr)
		}
	}
	if addr < m.base || addr >= m.base+uint64(len(m.buf)) {
		return nil, fmt.Errorf("%w: hook at 0x%X is outside of the module", ErrOutOfRange, addr)
	}

	code := m.buf[addr-m.base:]
	var displaced []string
	for n := 0; n < minHookSize; {
		inst, err := x86asm.Decode(code[n:], m.arch.Bits)
		if err != nil {
			return nil, fmt.Errorf("decode instruction at 0x%X: %w", addr+uint64(n), err)
		}
		displaced = append(displaced, x86asm.IntelSyntax(inst, addr+uint64(n), nil))
		n += inst.Len
	}

	h := &HookSite{
		Addr:      addr,
		Behavior:  behavior,
		Template:  append([]string(nil), template...),
		Displaced: displaced,
	}
	m.hooks = append(m.hooks, h)
	return h, nil
}

// Hooks returns the hooks installed so far, in order.
func (m *Image) Hooks() []HookSite {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := make([]HookSite, len(m.hooks))
	for i, h := range m.hooks {
		hs[i] = *h
	}
	return hs
}

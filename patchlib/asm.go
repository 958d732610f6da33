package patchlib

import (
	"fmt"
	"strconv"
	"strings"
)

// note: these are FASM-syntax mnemonics which are assembled by whatever
// installs the hook, they are never encoded here

// Arch is the pointer width of the process being patched.
type Arch struct {
	Bits int
}

var (
	X86   = Arch{32}
	X8664 = Arch{64}
)

// HostArch returns the architecture of the running process.
func HostArch() Arch {
	return Arch{strconv.IntSize}
}

// ParseArch parses a pointer width (32 or 64).
func ParseArch(bits int) (Arch, error) {
	switch bits {
	case 32, 64:
		return Arch{bits}, nil
	case 0:
		return HostArch(), nil
	default:
		return Arch{}, fmt.Errorf("unsupported pointer width %d (must be 32 or 64)", bits)
	}
}

// Is64 returns true for 64-bit processes.
func (a Arch) Is64() bool {
	return a.Bits == 64
}

// PointerSize returns the size of a pointer in bytes.
func (a Arch) PointerSize() int {
	return a.Bits / 8
}

// DefaultBase returns the usual preferred load address of an executable.
func (a Arch) DefaultBase() uint64 {
	if a.Is64() {
		return 0x140000000
	}
	return 0x400000
}

// Marker is the assembler directive which starts every hook template.
func (a Arch) Marker() string {
	if a.Is64() {
		return "use64"
	}
	return "use32"
}

func (a Arch) String() string {
	if a.Is64() {
		return "x86-64"
	}
	return "x86"
}

// CallMnemonics returns a call to an absolute address. On x86-64 it goes
// through rax, which is caller-saved and holds the return value anyway.
func (a Arch) CallMnemonics(addr uint64) string {
	if a.Is64() {
		return fmt.Sprintf("mov rax, 0x%X\ncall rax", addr)
	}
	return fmt.Sprintf("call 0x%X", uint32(addr))
}

// JumpMnemonics returns a jump to an absolute address. On x86-64 the target
// is stored inline after an indirect rip-relative jump, so no registers are
// touched.
func (a Arch) JumpMnemonics(addr uint64) string {
	if a.Is64() {
		return fmt.Sprintf("jmp qword [rip]\ndq 0x%X", addr)
	}
	return fmt.Sprintf("jmp 0x%X", uint32(addr))
}

// PushCallerSaved saves the cdecl caller-saved registers.
func (a Arch) PushCallerSaved() string {
	return push(a.callerSaved())
}

// PopCallerSaved restores the registers saved by PushCallerSaved.
func (a Arch) PopCallerSaved() string {
	return pop(a.callerSaved())
}

func (a Arch) callerSaved() []string {
	if a.Is64() {
		return []string{"rax", "rcx", "rdx", "r8", "r9", "r10", "r11"}
	}
	return []string{"eax", "ecx", "edx"}
}

func push(regs []string) string {
	lines := make([]string, len(regs))
	for i, r := range regs {
		lines[i] = "push " + r
	}
	return strings.Join(lines, "\n")
}

func pop(regs []string) string {
	lines := make([]string, len(regs))
	for i, r := range regs {
		lines[len(regs)-1-i] = "pop " + r
	}
	return strings.Join(lines, "\n")
}

// XmmCount returns the number of XMM registers.
func (a Arch) XmmCount() int {
	if a.Is64() {
		return 16
	}
	return 8
}

func (a Arch) stack() string {
	if a.Is64() {
		return "rsp"
	}
	return "esp"
}

// PushXmm saves a single XMM register on the stack.
func (a Arch) PushXmm(n int) string {
	return fmt.Sprintf("sub %[1]s, 16\nmovdqu dqword [%[1]s], xmm%[2]d", a.stack(), n)
}

// PopXmm restores a single XMM register saved by PushXmm.
func (a Arch) PopXmm(n int) string {
	return fmt.Sprintf("movdqu xmm%[2]d, dqword [%[1]s]\nadd %[1]s, 16", a.stack(), n)
}

// PushAllXmm saves every XMM register.
func (a Arch) PushAllXmm() string {
	lines := make([]string, a.XmmCount())
	for i := range lines {
		lines[i] = a.PushXmm(i)
	}
	return strings.Join(lines, "\n")
}

// PopAllXmm restores every XMM register saved by PushAllXmm.
func (a Arch) PopAllXmm() string {
	lines := make([]string, a.XmmCount())
	for i := range lines {
		lines[len(lines)-1-i] = a.PopXmm(i)
	}
	return strings.Join(lines, "\n")
}

package patchlib

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArch(t *testing.T) {
	a, err := ParseArch(32)
	require.NoError(t, err)
	assert.Equal(t, X86, a)

	a, err = ParseArch(64)
	require.NoError(t, err)
	assert.Equal(t, X8664, a)

	a, err = ParseArch(0)
	require.NoError(t, err)
	assert.Equal(t, HostArch(), a)

	_, err = ParseArch(16)
	assert.Error(t, err)
}

func TestArch(t *testing.T) {
	assert.Equal(t, "use32", X86.Marker())
	assert.Equal(t, "use64", X8664.Marker())
	assert.Equal(t, 4, X86.PointerSize())
	assert.Equal(t, 8, X8664.PointerSize())
	assert.Equal(t, "x86", X86.String())
	assert.Equal(t, "x86-64", X8664.String())
	assert.Equal(t, uint64(0x400000), X86.DefaultBase())
	assert.Equal(t, uint64(0x140000000), X8664.DefaultBase())
}

func TestCallJumpMnemonics(t *testing.T) {
	assert.Equal(t, "call 0x401000", X86.CallMnemonics(0x401000))
	assert.Equal(t, "jmp 0x401000", X86.JumpMnemonics(0x401000))
	assert.Equal(t, "mov rax, 0x140001000\ncall rax", X8664.CallMnemonics(0x140001000))
	assert.Equal(t, "jmp qword [rip]\ndq 0x140001000", X8664.JumpMnemonics(0x140001000))
}

func TestCallerSaved(t *testing.T) {
	assert.Equal(t, "push eax\npush ecx\npush edx", X86.PushCallerSaved())
	assert.Equal(t, "pop edx\npop ecx\npop eax", X86.PopCallerSaved())

	push := strings.Split(X8664.PushCallerSaved(), "\n")
	pop := strings.Split(X8664.PopCallerSaved(), "\n")
	require.Len(t, push, 7)
	require.Len(t, pop, 7)
	for i := range push {
		assert.Equal(t, strings.TrimPrefix(push[i], "push "), strings.TrimPrefix(pop[len(pop)-1-i], "pop "), "pops should mirror pushes")
	}
}

func TestXmm(t *testing.T) {
	assert.Equal(t, "sub esp, 16\nmovdqu dqword [esp], xmm3", X86.PushXmm(3))
	assert.Equal(t, "movdqu xmm3, dqword [esp]\nadd esp, 16", X86.PopXmm(3))
	assert.Equal(t, "sub rsp, 16\nmovdqu dqword [rsp], xmm15", X8664.PushXmm(15))

	for _, a := range []Arch{X86, X8664} {
		t.Run(a.String(), func(t *testing.T) {
			push := strings.Split(a.PushAllXmm(), "\n")
			pop := strings.Split(a.PopAllXmm(), "\n")
			assert.Len(t, push, a.XmmCount()*2)
			assert.Len(t, pop, a.XmmCount()*2)
			assert.True(t, strings.HasSuffix(push[1], "xmm0"))
			assert.True(t, strings.HasPrefix(pop[0], "movdqu xmm"+strconv.Itoa(a.XmmCount()-1)+","))
		})
	}
}

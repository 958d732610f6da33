package expatch

import (
	"testing"

	"github.com/apex/log"
	"github.com/pgaskin/expatch/patchlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSymbols(t *testing.T) {
	syms := Symbols{
		Vars:   []Var{{"v", 0x1000}},
		Consts: []Const{{"c", "42"}},
	}
	template := []string{
		"use32",
		"mov eax, {v}",
		"mov ebx, {c}",
		"{pushCaller}",
		"{pushXmm1}",
		"{pushXmm9}",
		"{popCaller}",
		"{fn}",
	}

	assert.Equal(t, []string{
		"use32",
		"mov eax, 4096",
		"mov ebx, 42",
		"push eax",
		"push ecx",
		"push edx",
		"sub esp, 16",
		"movdqu dqword [esp], xmm1",
		"{pushXmm9}",
		"pop edx",
		"pop ecx",
		"pop eax",
		"{fn}",
	}, ResolveSymbols(template, syms, patchlib.X86))

	r := ResolveSymbols([]string{"{PUSHXMM9}", "{popXmm9}"}, Symbols{}, patchlib.X8664)
	assert.Equal(t, []string{
		"sub rsp, 16",
		"movdqu dqword [rsp], xmm9",
		"movdqu xmm9, dqword [rsp]",
		"add rsp, 16",
	}, r)

	r = ResolveSymbols([]string{"{pushXmm}"}, Symbols{}, patchlib.X86)
	assert.Len(t, r, 2*patchlib.X86.XmmCount())
	assert.Equal(t, "movdqu dqword [esp], xmm7", r[len(r)-1])

	assert.Equal(t, "mov eax, {v}", template[1], "input should not be modified")
}

func TestResolveScans(t *testing.T) {
	r := ResolveScans([]string{"call {fn}", "jmp {other}"}, []Address{{"fn", 0x2000}})
	assert.Equal(t, []string{"call 8192", "jmp {other}"}, r)
}

func TestResolveAddress(t *testing.T) {
	l, h := testLogger()

	template := []string{"use32", "mov eax, {patchAddress}", "{call {replacementAddress} + 5}", "{jmp 16}"}
	assert.Equal(t, []string{
		"use32",
		"mov eax, 4096",
		"call 0x1005",
		"jmp 0x10",
	}, ResolveAddress(template, 0x1000, patchlib.X86, l))
	assert.Equal(t, "{call {replacementAddress} + 5}", template[2])

	assert.Equal(t, []string{
		"use64",
		"mov rax, 0x1000",
		"call rax",
		"jmp qword [rip]",
		"dq 0x2000",
	}, ResolveAddress([]string{"use64", "{call 4096}", "{JUMP 8192}"}, 0, patchlib.X8664, l))
	assert.Empty(t, messages(h, log.ErrorLevel))

	r := ResolveAddress([]string{"{call nope}", "{jump 0-1}"}, 0, patchlib.X86, l)
	assert.Equal(t, []string{"{call nope}", "{jump 0-1}"}, r)
	assert.Len(t, messages(h, log.ErrorLevel), 2)
	assert.Equal(t, []string{"{call nope}", "{jump 0-1}"}, Unresolved(r))
}

func TestUnresolved(t *testing.T) {
	assert.Empty(t, Unresolved([]string{"use32", "mov eax, 1"}))
	assert.Empty(t, Unresolved([]string{`db "{not a placeholder}", 0`}))
	assert.Equal(t, []string{"{x}", "{y}"}, Unresolved([]string{`mov eax, {x} ; "{z}"`, "add eax, {y}"}))

	assert.Equal(t, []string{"{X}"}, Unresolved([]string{`"{X}"`}, "X"), "missing scan constants should be found in strings too")
	assert.Equal(t, []string{"{X}"}, Unresolved([]string{"mov eax, {X}"}, "X"))
	assert.Empty(t, Unresolved([]string{`"{Y}"`}, "X"))
}

func TestEvalInt(t *testing.T) {
	for _, tc := range []struct {
		in  string
		out int64
	}{
		{"1", 1},
		{" 1+2*3 ", 7},
		{"-4", -4},
		{"10 / 2", 5},
		{"10 % 3", 1},
		{"(1 + 1) * 8", 16},
	} {
		t.Run(tc.in, func(t *testing.T) {
			v, err := evalInt(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.out, v)
		})
	}
	for _, in := range []string{"", "  ", "7 / 2", `"a"`, "nope", "1 +", "true"} {
		t.Run(in, func(t *testing.T) {
			_, err := evalInt(in)
			assert.Error(t, err)
		})
	}

	_, err := evalAddress("-1")
	assert.Error(t, err)
	a, err := evalAddress("4096 + 16")
	require.NoError(t, err)
	assert.Equal(t, uint64(4112), a)
}

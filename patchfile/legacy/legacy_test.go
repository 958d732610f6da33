package legacy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/pgaskin/expatch/patchfile"
	"github.com/pgaskin/expatch/patchlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	p, err := Parse("a.patch", []byte{0x00, 0x02, 0x55, 0x89, 0x90, 0x90, 0xC3}, nil)
	require.NoError(t, err)
	assert.Equal(t, "55 89", p.Pattern)
	assert.Equal(t, []byte{0x90, 0x90, 0xC3}, p.Content)
	assert.NoError(t, p.Validate())

	p, err = Parse("a.patch", []byte{0x00, 0x00, 0x90}, nil)
	require.NoError(t, err)
	assert.Error(t, p.Validate())

	for _, buf := range [][]byte{nil, {0x00}, {0x00, 0x03, 0x55, 0x89}, {0x01, 0x00, 0x55}} {
		_, err := Parse("a.patch", buf, nil)
		assert.ErrorIs(t, err, ErrFormat, "% X", buf)
	}
}

func TestApply(t *testing.T) {
	h := memory.New()
	l := &log.Logger{Handler: h, Level: log.DebugLevel}

	fn := filepath.Join(t.TempDir(), "a.patch")
	require.NoError(t, os.WriteFile(fn, []byte{0x00, 0x02, 0xAA, 0xBB, 0x11, 0x22, 0x33}, 0644))

	ps, err := patchfile.ReadFromFile(fn, patchlib.X86, l)
	require.NoError(t, err)

	m := patchlib.NewImage([]byte{0x00, 0xAA, 0xBB, 0xCC, 0xDD, 0xAA, 0xBB}, 0x1000, patchlib.X86)
	p := patchlib.NewPatcher(m, patchlib.X86, l)
	require.NoError(t, ps.ApplyTo(context.Background(), p))
	assert.Equal(t, []byte{0x00, 0x11, 0x22, 0x33, 0xDD, 0xAA, 0xBB}, m.Bytes(), "only the first match should be overwritten")

	e := h.Entries[len(h.Entries)-1]
	assert.Equal(t, log.InfoLevel, e.Level)
	assert.Equal(t, "Successfully found and overwrote pattern in a.patch", e.Message)
	assert.Equal(t, "0x1001", e.Fields.Get("address"))

	miss, err := Parse("b.patch", []byte{0x00, 0x01, 0xEE, 0x00}, nil)
	require.NoError(t, err)
	require.NoError(t, miss.ApplyTo(context.Background(), p))
	assert.Equal(t, log.ErrorLevel, h.Entries[len(h.Entries)-1].Level)
}

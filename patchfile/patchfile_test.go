package patchfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/pgaskin/expatch/patchlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// `[patch test]\npattern=90\nnop\n`, compressed with xz.
var testXZ = []byte{
	0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00, 0x00, 0x01, 0x69, 0x22, 0xDE, 0x36, 0x02, 0x00, 0x21, 0x01,
	0x16, 0x00, 0x00, 0x00, 0x74, 0x2F, 0xE5, 0xA3, 0x01, 0x00, 0x1B, 0x5B, 0x70, 0x61, 0x74, 0x63,
	0x68, 0x20, 0x74, 0x65, 0x73, 0x74, 0x5D, 0x0A, 0x70, 0x61, 0x74, 0x74, 0x65, 0x72, 0x6E, 0x3D,
	0x39, 0x30, 0x0A, 0x6E, 0x6F, 0x70, 0x0A, 0x00, 0x3E, 0x2F, 0x31, 0x0E, 0x00, 0x01, 0x30, 0x1C,
	0x97, 0xDF, 0xC1, 0xEB, 0x90, 0x42, 0x99, 0x0D, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01, 0x59, 0x5A,
}

// testSet writes its name into the image when applied.
type testSet struct {
	name    string
	invalid bool
}

func (s testSet) Validate() error {
	if s.invalid {
		return errors.New("invalid")
	}
	return nil
}

func (s testSet) ApplyTo(ctx context.Context, p *patchlib.Patcher) error {
	return p.Write(p.Base(), []byte(s.name[:1]))
}

func init() {
	RegisterFormat(".tpatch", 10, func(name string, buf []byte, arch patchlib.Arch, l log.Interface) (PatchSet, error) {
		if len(buf) == 0 {
			return nil, errors.New("empty")
		}
		return testSet{name: name, invalid: string(buf) == "invalid"}, nil
	})
	RegisterFormat(".TLEGACY", 0, func(name string, buf []byte, arch patchlib.Arch, l log.Interface) (PatchSet, error) {
		return testSet{name: name}, nil
	})
}

func TestRegisterFormat(t *testing.T) {
	assert.Equal(t, []string{".tlegacy", ".tpatch"}, GetFormats())

	_, ok := GetFormat(".TPATCH")
	assert.True(t, ok)
	_, ok = GetFormat(".nope")
	assert.False(t, ok)

	assert.Panics(t, func() {
		RegisterFormat(".tpatch", 0, nil)
	})
}

func TestFormatOf(t *testing.T) {
	for _, tc := range []struct {
		in         string
		ext        string
		compressed bool
	}{
		{"a.expatch", ".expatch", false},
		{"dir/A.PATCH", ".patch", false},
		{"a.expatch.xz", ".expatch", true},
		{"a.XZ", "", true},
		{"noext", "", false},
	} {
		ext, compressed := FormatOf(tc.in)
		assert.Equal(t, tc.ext, ext, tc.in)
		assert.Equal(t, tc.compressed, compressed, tc.in)
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.expatch.xz"), testXZ, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.xz"), []byte("not xz"), 0644))

	buf, err := ReadFile(filepath.Join(dir, "a.expatch.xz"))
	require.NoError(t, err)
	assert.Equal(t, "[patch test]\npattern=90\nnop\n", string(buf))

	_, err = ReadFile(filepath.Join(dir, "b.xz"))
	assert.Error(t, err)

	_, err = ReadFile(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.tpatch"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.tpatch"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"), []byte("x"), 0644))

	ps, err := ReadFromFile(filepath.Join(dir, "a.tpatch"), patchlib.X86, log.Log)
	require.NoError(t, err)
	assert.Equal(t, testSet{name: "a.tpatch"}, ps)

	_, err = ReadFromFile(filepath.Join(dir, "b.tpatch"), patchlib.X86, log.Log)
	assert.Error(t, err)

	_, err = ReadFromFile(filepath.Join(dir, "c.txt"), patchlib.X86, log.Log)
	assert.Error(t, err)
}

func TestPriorityOrder(t *testing.T) {
	subdirs := []string{"ModB", "Common", "ModA"}

	assert.Equal(t, []string{
		"p",
		filepath.Join("p", "Common"),
		filepath.Join("p", "ModA"),
		filepath.Join("p", "ModB"),
	}, PriorityOrder("p", subdirs, nil))

	assert.Equal(t, []string{
		"p",
		filepath.Join("p", "Common"),
		filepath.Join("p", "ModA"),
		filepath.Join("p", "ModB"),
	}, PriorityOrder("p", subdirs, []string{"ModA", "ModB"}), "the last listed entry should load last")

	assert.Equal(t, []string{
		"p",
		filepath.Join("p", "Common"),
		filepath.Join("p", "ModB"),
		filepath.Join("p", "ModA"),
	}, PriorityOrder("p", subdirs, []string{"modb", "Missing", "MODA"}), "names are case-insensitive")

	assert.Equal(t, []string{"p"}, PriorityOrder("p", nil, []string{"ModA"}))
	assert.Equal(t, []string{"ModB", "Common", "ModA"}, subdirs, "input should not be modified")
}

func TestLoadApply(t *testing.T) {
	base := t.TempDir()
	for fn, c := range map[string]string{
		"base.tpatch":         "x",
		"ModA/a.tpatch":       "x",
		"ModA/z.tlegacy":      "x",
		"ModA/notes.txt":      "x",
		"ModB/b.tpatch":       "x",
		"ModB/broken.tpatch":  "",
		"ModB/invalid.tpatch": "invalid",
		"Empty/readme.md":     "x",
	} {
		fn = filepath.Join(base, filepath.FromSlash(fn))
		require.NoError(t, os.MkdirAll(filepath.Dir(fn), 0755))
		require.NoError(t, os.WriteFile(fn, []byte(c), 0644))
	}

	dirs, err := Dirs(base, []string{"ModA", "ModB"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		base,
		filepath.Join(base, "Empty"),
		filepath.Join(base, "ModA"),
		filepath.Join(base, "ModB"),
	}, dirs)

	h := memory.New()
	l := &log.Logger{Handler: h, Level: log.DebugLevel}

	files := Load(dirs, patchlib.X86, l)
	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f.Path))
	}
	assert.Equal(t, []string{"base.tpatch", "z.tlegacy", "a.tpatch", "b.tpatch"}, names, "lower ranked formats should load first within a directory")

	var errs, warns []string
	for _, e := range h.Entries {
		switch e.Level {
		case log.ErrorLevel:
			errs = append(errs, e.Fields.Get("file").(string))
		case log.WarnLevel:
			warns = append(warns, e.Fields.Get("dir").(string))
		}
	}
	assert.ElementsMatch(t, []string{"broken.tpatch", "invalid.tpatch"}, errs)
	assert.Equal(t, []string{filepath.Join(base, "Empty")}, warns)

	m := patchlib.NewImage([]byte{0}, 0x1000, patchlib.X86)
	p := patchlib.NewPatcher(m, patchlib.X86, l)
	require.NoError(t, Apply(context.Background(), files, p))
	assert.Equal(t, []byte("b"), m.Bytes(), "the highest priority directory should be applied last")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Apply(ctx, files, p), context.Canceled)
}

func TestDirsMissing(t *testing.T) {
	_, err := Dirs(filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "read patch dir"))
}

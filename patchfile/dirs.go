package patchfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/pgaskin/expatch/patchlib"
)

// PriorityOrder orders a patch directory and its subdirectories for loading,
// lowest priority first. The base directory always comes first, followed by
// the subdirectories by name. Subdirectories named in priority (compared
// case-insensitively) are then moved to the end in the order they are listed,
// so the last one listed loads last and wins any conflicting writes. Priority
// entries which are not subdirectories are ignored.
func PriorityOrder(base string, subdirs, priority []string) []string {
	names := append([]string(nil), subdirs...)
	sort.Strings(names)

	for _, p := range priority {
		p = filepath.Base(p)
		for i, n := range names {
			if strings.EqualFold(n, p) {
				names = append(append(names[:i:i], names[i+1:]...), n)
				break
			}
		}
	}

	dirs := []string{base}
	for _, n := range names {
		dirs = append(dirs, filepath.Join(base, n))
	}
	return dirs
}

// Dirs lists the directories to load patches from in load order.
func Dirs(base string, priority []string) ([]string, error) {
	es, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("read patch dir: %w", err)
	}
	var subdirs []string
	for _, e := range es {
		if e.IsDir() {
			subdirs = append(subdirs, e.Name())
		}
	}
	return PriorityOrder(base, subdirs, priority), nil
}

// Files lists the patch files directly inside dir. Files are grouped by the
// rank of their format, then sorted by name.
func Files(dir string) ([]string, error) {
	es, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	rank := map[string]int{}
	for i, ext := range GetFormats() {
		rank[ext] = i
	}
	var fns []string
	for _, e := range es {
		if e.IsDir() {
			continue
		}
		if ext, _ := FormatOf(e.Name()); ext != "" {
			if _, ok := rank[ext]; ok {
				fns = append(fns, e.Name())
			}
		}
	}
	sort.SliceStable(fns, func(i, j int) bool {
		ei, _ := FormatOf(fns[i])
		ej, _ := FormatOf(fns[j])
		if rank[ei] != rank[ej] {
			return rank[ei] < rank[ej]
		}
		return fns[i] < fns[j]
	})
	for i := range fns {
		fns[i] = filepath.Join(dir, fns[i])
	}
	return fns, nil
}

// File is a parsed patch file.
type File struct {
	Path     string
	PatchSet PatchSet
}

// Load reads, parses and validates the patch files in each directory, in
// order. Directories without patches and files which cannot be loaded are
// logged and skipped.
func Load(dirs []string, arch patchlib.Arch, l log.Interface) []File {
	var files []File
	for _, dir := range dirs {
		ctx := l.WithField("dir", dir)

		fns, err := Files(dir)
		if err != nil {
			ctx.WithError(err).Error("Could not list patches")
			continue
		}
		if len(fns) == 0 {
			ctx.Warn("No patches found")
			continue
		}
		ctx.Infof("Found %d patch files", len(fns))

		for _, fn := range fns {
			fctx := l.WithField("file", filepath.Base(fn))
			fctx.Debug("Loading")

			ps, err := ReadFromFile(fn, arch, fctx)
			if err != nil {
				fctx.WithError(err).Error("Could not load patch file")
				continue
			}
			if err := ps.Validate(); err != nil {
				fctx.WithError(err).Error("Invalid patch file")
				continue
			}
			files = append(files, File{fn, ps})
		}
	}
	return files
}

// Apply applies files in order. It only stops early if ctx is done.
func Apply(ctx context.Context, files []File, p *patchlib.Patcher) error {
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.Log().WithField("file", filepath.Base(f.Path)).Info("Applying")
		if err := f.PatchSet.ApplyTo(ctx, p); err != nil {
			return fmt.Errorf("apply %s: %w", f.Path, err)
		}
	}
	return nil
}

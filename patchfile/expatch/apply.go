package expatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/pgaskin/expatch/patchfile"
	"github.com/pgaskin/expatch/patchlib"
	"golang.org/x/sync/errgroup"
)

func init() {
	patchfile.RegisterFormat(".expatch", 1, func(name string, buf []byte, arch patchlib.Arch, l log.Interface) (patchfile.PatchSet, error) {
		return Parse(name, buf, arch, l)
	})
}

// Validate implements patchfile.PatchSet.
func (f *File) Validate() error {
	if len(f.Patches) == 0 && len(f.Vars) == 0 {
		return errors.New("no patches or variables")
	}
	return nil
}

// ApplyTo implements patchfile.PatchSet.
func (f *File) ApplyTo(ctx context.Context, p *patchlib.Patcher) error {
	_, err := f.Apply(ctx, p)
	return err
}

// Apply allocates the variables, resolves the scan constants, then applies
// each patch in order. Problems with individual items are logged and recorded
// in the results, and the only error returned is from ctx.
func (f *File) Apply(ctx context.Context, p *patchlib.Patcher) ([]Result, error) {
	l := p.Log().WithField("file", f.Name)

	syms := Symbols{
		Vars:   f.declareVars(p, l),
		Consts: f.Consts,
	}
	templates := make([][]string, len(f.Patches))
	for i, pt := range f.Patches {
		templates[i] = ResolveSymbols(pt.Template, syms, p.Arch())
	}

	found, missing, err := f.scanConsts(ctx, p, l)
	if err != nil {
		return nil, err
	}
	for i := range templates {
		templates[i] = ResolveScans(templates[i], found)
	}

	results := make([]Result, 0, len(f.Patches))
	for i, pt := range f.Patches {
		res, err := applyPatch(ctx, p, pt, templates[i], missing, l.WithField("patch", pt.Name))
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (f *File) declareVars(p *patchlib.Patcher, l log.Interface) []Var {
	var vars []Var
	for _, v := range f.Vars {
		vl := l.WithField("var", v.Name)

		addr, err := p.Allocate(v.Length)
		if err != nil {
			vl.WithError(err).Errorf("Unable to allocate variable %s", v.Name)
			continue
		}
		vl.WithField("address", fmt.Sprintf("0x%X", addr)).Infof("Allocated %d byte%s for %s", v.Length, plural(v.Length), v.Name)

		if v.HasValue {
			if _, err := p.WriteValue(v.Value, addr, v.Name, 0, patchlib.ASCII); err != nil {
				vl.WithError(err).Errorf("Unable to write initial value of %s", v.Name)
			}
		}
		vars = append(vars, Var{v.Name, addr})
	}
	return vars
}

// scanConsts scans for every scan constant at once and waits for all of them.
// It returns the constants which were found and the names of those which
// weren't.
func (f *File) scanConsts(ctx context.Context, p *patchlib.Patcher, l log.Interface) ([]Address, []string, error) {
	res := make([]patchlib.ScanResult, len(f.ScanConsts))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range f.ScanConsts {
		if c.Pattern == "" {
			continue
		}
		i, c := i, c
		g.Go(func() error {
			r, err := p.Scan(gctx, c.Pattern, 0)
			if err != nil {
				return err
			}
			res[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var (
		found   []Address
		missing []string
	)
	for i, c := range f.ScanConsts {
		cl := l.WithFields(log.Fields{"const": c.Name, "value": c.Pattern})
		if !res[i].Found {
			cl.Errorf("Couldn't find address for const %s, it will not be replaced", c.Name)
			missing = append(missing, c.Name)
			continue
		}
		addr := p.Base() + uint64(res[i].Offset)
		cl.WithField("address", fmt.Sprintf("0x%X", addr)).Debugf("Found const %s", c.Name)
		found = append(found, Address{c.Name, addr})
	}
	return found, missing, nil
}

// hookBehavior maps an order= value to a hook behavior.
func hookBehavior(order string) (patchlib.HookBehavior, bool) {
	switch order {
	case "before":
		return patchlib.ExecuteFirst, true
	case "after":
		return patchlib.ExecuteAfter, true
	case "only", "":
		return patchlib.DoNotExecuteOriginal, true
	default:
		return patchlib.DoNotExecuteOriginal, false
	}
}

func applyPatch(ctx context.Context, p *patchlib.Patcher, pt *Patch, template []string, missing []string, l log.Interface) (Result, error) {
	res := Result{Patch: pt}

	if pt.Pattern == "" {
		l.Errorf("No pattern to search for in %s, skipping it", pt)
		res.Status = Skipped
		return res, nil
	}

	var (
		behavior patchlib.HookBehavior
		value    string
		length   int
	)
	if pt.Replacement {
		value = template[len(template)-1]
		if len(template) > 1 {
			l.Warnf("Multiple replacement values specified for %s, using last defined one (%s)", pt.Name, value)
		}
		if pt.PadNull {
			length = patchlib.PatternLen(pt.Pattern)
		}
	} else {
		var ok bool
		if behavior, ok = hookBehavior(pt.Order); !ok {
			l.Warnf("Unknown execution order %s, using default (only). Valid orders are before, after and only", pt.Order)
		}
	}

	it := NewOccurrences(p.Scan, pt.Pattern, pt.Indices, pt.AllIndices)
	for {
		o, ok, err := it.Next(ctx)
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}

		match := p.Base() + uint64(o.Offset)
		if !o.Act {
			l.Debugf("Skipping occurrence %d of %s at 0x%X", o.N, pt.Name, match)
			continue
		}
		addr := uint64(int64(match) + pt.Offset)
		al := l.WithField("address", fmt.Sprintf("0x%X", addr))

		lines := ResolveAddress(template, match, p.Arch(), al)
		check := lines
		if pt.Replacement {
			check = lines[len(lines)-1:]
		}
		if u := Unresolved(check, missing...); len(u) != 0 {
			res.Err = fmt.Errorf("%w: %s", ErrUnresolved, strings.Join(u, ", "))
			al.WithError(res.Err).Errorf("Not applying %s", pt)
			continue
		}

		if pt.Replacement {
			if _, err := p.WriteValue(lines[len(lines)-1], addr, pt.Name, length, pt.Encoding); err != nil {
				res.Err = err
				al.WithError(err).Errorf("Error while applying %s", pt)
				continue
			}
		} else {
			if _, err := p.InstallHook(lines, addr, behavior); err != nil {
				res.Err = err
				al.WithError(err).Errorf("Error while applying %s", pt)
				al.Errorf("Function dump:\n%s", strings.Join(lines, "\n"))
				continue
			}
		}
		res.Addresses = append(res.Addresses, addr)
		al.Infof("Applied %s", pt)
	}

	switch {
	case it.Count() == 0:
		l.Errorf("Couldn't find address for %s, not applying it", pt.Name)
		res.Status = NotFound
	case len(res.Addresses) != 0:
		res.Status = Applied
	case res.Err != nil:
		res.Status = Failed
	default:
		res.Status = NotFound
	}
	if pending := it.Pending(); len(pending) != 0 && it.Count() != 0 {
		l.Warnf("Only found %d occurrences of %s, so occurrences %v were not applied", it.Count(), pt.Name, pending)
	}
	return res, nil
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

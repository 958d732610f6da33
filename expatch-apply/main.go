// Command expatch-apply applies a single patch file to an executable.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/pgaskin/expatch/patchfile"
	_ "github.com/pgaskin/expatch/patchfile/expatch"
	_ "github.com/pgaskin/expatch/patchfile/legacy"
	"github.com/pgaskin/expatch/patchlib"
	"github.com/spf13/pflag"
)

var version = "unknown"

func errexit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	os.Exit(1)
}

func main() {
	input := pflag.StringP("input", "i", "", "the file to patch (required)")
	patchFile := pflag.StringP("patch-file", "p", "", fmt.Sprintf("the file containing the patches, by extension one of %s (required)", strings.Join(patchfile.GetFormats(), ",")))
	output := pflag.StringP("output", "o", "", "the file to write the patched output to (will be overwritten if exists) (required)")
	baseStr := pflag.String("base", "", "the address the input is loaded at (default depends on bits)")
	bits := pflag.Int("bits", 0, "the pointer width of the input, 32 or 64 (default is the host's)")
	verbose := pflag.BoolP("verbose", "v", false, "show debug output")
	help := pflag.BoolP("help", "h", false, "show this help text")
	pflag.Parse()

	if *help || pflag.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "Usage: expatch-apply [OPTIONS]\n")
		fmt.Fprintf(os.Stderr, "\nVersion: %s\n\nOptions:\n", version)
		pflag.PrintDefaults()
		os.Exit(1)
	}

	if *input == "" || *patchFile == "" || *output == "" {
		errexit("Error: input, patch-file, and output flags are required. See --help for more info.\n")
	}

	arch, err := patchlib.ParseArch(*bits)
	if err != nil {
		errexit("Error: %v. See --help for more info.\n", err)
	}

	base := arch.DefaultBase()
	if *baseStr != "" {
		if base, err = strconv.ParseUint(*baseStr, 0, 64); err != nil {
			errexit("Error: invalid base address %q. See --help for more info.\n", *baseStr)
		}
	}

	l := &log.Logger{Handler: cli.New(os.Stderr), Level: log.InfoLevel}
	if *verbose {
		l.Level = log.DebugLevel
	}

	ps, err := patchfile.ReadFromFile(*patchFile, arch, l)
	if err != nil {
		errexit("Error: could not read patch file: %v\n", err)
	}

	err = ps.Validate()
	if err != nil {
		errexit("Error: could not validate patch file: %v\n", err)
	}

	buf, err := patchfile.ReadFile(*input)
	if err != nil {
		errexit("Error: could not read input file: %v\n", err)
	}

	m := patchlib.NewImage(buf, base, arch)
	err = ps.ApplyTo(context.Background(), patchlib.NewPatcher(m, arch, l))
	if err != nil {
		errexit("Error: could not apply patch file: %v\n", err)
	}

	for _, h := range m.Hooks() {
		l.WithField("address", fmt.Sprintf("0x%X", h.Addr)).Infof("Hook (%s) displaces %s", h.Behavior, strings.Join(h.Displaced, "; "))
	}

	if err := os.WriteFile(*output, m.Bytes(), 0644); err != nil {
		errexit("Error: could not write output file: %v\n", err)
	}

	fmt.Printf("Successfully patched '%s' using '%s' to '%s'\n", *input, *patchFile, *output)
	os.Exit(0)
}

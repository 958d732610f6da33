// Command expatch applies a directory of patch files to an executable as
// configured in expatch.yaml.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/discard"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/level"
	"github.com/apex/log/handlers/multi"
	"github.com/fatih/color"
	"github.com/pgaskin/expatch/patchfile"
	_ "github.com/pgaskin/expatch/patchfile/expatch"
	_ "github.com/pgaskin/expatch/patchfile/legacy"
	"github.com/pgaskin/expatch/patchlib"
	"github.com/spf13/pflag"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

var version = "unknown"

var (
	logger  log.Interface = &log.Logger{Handler: discard.New()}
	fileLog log.Interface = &log.Logger{Handler: discard.New()}
	logFile *os.File
)

func main() {
	cfgFile := pflag.StringP("config", "c", "expatch.yaml", "the config file to use")
	verbose := pflag.BoolP("verbose", "v", false, "show debug output on the console")
	help := pflag.BoolP("help", "h", false, "show this help text")
	pflag.Parse()

	if *help || pflag.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "Usage: expatch [OPTIONS]\n")
		fmt.Fprintf(os.Stderr, "\nVersion: %s\n\nOptions:\n", version)
		pflag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Printf("expatch %s\n\n", version)

	cfg, err := readConfig(*cfgFile)
	checkErr(err, "Could not read "+*cfgFile)

	consoleLevel := log.InfoLevel
	if *verbose || cfg.Debug {
		consoleLevel = log.DebugLevel
	}
	color.NoColor = !term.IsTerminal(int(os.Stderr.Fd()))
	handlers := []log.Handler{level.New(cli.New(os.Stderr), consoleLevel)}

	if cfg.Log != "" {
		fh, err := openLog(cfg.Log)
		checkErr(err, "Could not open and truncate log file")
		handlers = append(handlers, fh)
	}
	logger = &log.Logger{Handler: multi.New(handlers...), Level: log.DebugLevel}

	d, _ := os.Getwd()
	logger.WithFields(log.Fields{"dir": d, "version": version}).Debugf("cfg: %#v", cfg)

	arch, err := patchlib.ParseArch(cfg.Bits)
	checkErr(err, "Invalid config")
	base := cfg.Base
	if base == 0 {
		base = arch.DefaultBase()
	}

	buf, err := patchfile.ReadFile(cfg.In)
	checkErr(err, "Could not read input file")
	logger.Infof("Loaded %s (%d bytes) as %s at 0x%X", cfg.In, len(buf), arch, base)

	dirs, err := patchfile.Dirs(cfg.Patches, cfg.Priority)
	checkErr(err, "Could not list patch directories")
	files := patchfile.Load(dirs, arch, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m := patchlib.NewImage(buf, base, arch)
	err = patchfile.Apply(ctx, files, patchlib.NewPatcher(m, arch, logger))
	checkErr(err, "Could not apply patches")

	if cfg.Hooks != "" {
		err = writeHooks(cfg.Hooks, m.Hooks())
		checkErr(err, "Could not write hooks")
	}

	err = removeOutput(cfg.Out)
	checkErr(err, "Could not remove old output file")
	err = os.WriteFile(cfg.Out, m.Bytes(), 0644)
	checkErr(err, "Could not write output file")

	logger.Info("patch success")
	closeLog()
	fmt.Printf("Successfully saved patched executable to %s\n", cfg.Out)
}

// openLog truncates fn and directs fileLog to it as JSON.
func openLog(fn string) (log.Handler, error) {
	f, err := os.Create(fn)
	if err != nil {
		return nil, err
	}
	logFile = f
	fh := json.New(f)
	fileLog = &log.Logger{Handler: fh, Level: log.DebugLevel}
	return fh, nil
}

// closeLog closes the log file, if any. It must be called before os.Exit.
func closeLog() {
	if logFile == nil {
		return
	}
	if err := logFile.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not close log file: %v\n", err)
	}
	logFile = nil
	fileLog = &log.Logger{Handler: discard.New()}
}

// removeOutput deletes a previous output file. A missing file is fine.
func removeOutput(fn string) error {
	if err := os.Remove(fn); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type hookEntry struct {
	Address   string   `yaml:"address"`
	Order     string   `yaml:"order"`
	Template  []string `yaml:"template"`
	Displaced []string `yaml:"displaced"`
}

// writeHooks saves the hooks installed into the image, which are not
// assembled into the output.
func writeHooks(fn string, hooks []patchlib.HookSite) error {
	es := make([]hookEntry, len(hooks))
	for i, h := range hooks {
		es[i] = hookEntry{
			Address:   fmt.Sprintf("0x%X", h.Addr),
			Order:     h.Behavior.String(),
			Template:  h.Template,
			Displaced: h.Displaced,
		}
	}
	buf, err := yaml.Marshal(es)
	if err != nil {
		return err
	}
	return os.WriteFile(fn, buf, 0644)
}

func checkErr(err error, msg string) {
	if err == nil {
		return
	}
	fileLog.WithError(err).Error("Fatal: " + msg)
	closeLog()
	fmt.Fprintf(os.Stderr, "Fatal: %s: %v\n", msg, err)
	os.Exit(1)
}

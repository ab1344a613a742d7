// sievec compiles a sieve script into its binary form.
//
// Usage:
//
//	sievec [-config sieve.toml] [-d] script.sieve [out.svbin]
//
// With -d the compiled program is dumped to stdout instead of being saved.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/xrg/pigeonhole/config"
	"github.com/xrg/pigeonhole/logger"
	"github.com/xrg/pigeonhole/sieve"

	_ "github.com/xrg/pigeonhole/sieve/ext/fileinto"
	_ "github.com/xrg/pigeonhole/sieve/ext/imap4flags"
	_ "github.com/xrg/pigeonhole/sieve/ext/regex"
	_ "github.com/xrg/pigeonhole/sieve/ext/variables"
)

const (
	exitOK          = 0
	exitScriptNotFound = 67
	exitTempFail    = 75
	exitConfigError = 78
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	dump := flag.Bool("d", false, "dump the compiled program instead of saving")
	flag.Parse()

	if flag.NArg() < 1 || flag.NArg() > 2 {
		fmt.Fprintf(os.Stderr, "usage: sievec [-config file] [-d] <script> [binary]\n")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sievec: %v\n", err)
		os.Exit(exitConfigError)
	}
	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sievec: failed to initialize logging: %v\n", err)
		os.Exit(exitConfigError)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	scriptPath := flag.Arg(0)
	script, err := sieve.LoadScriptFile(scriptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sievec: %v\n", err)
		os.Exit(exitScriptNotFound)
	}

	if cfg.Sieve.MaxScriptSize > 0 && int64(len(script.Content)) > cfg.Sieve.MaxScriptSize {
		fmt.Fprintf(os.Stderr, "sievec: script exceeds maximum size of %d bytes\n",
			cfg.Sieve.MaxScriptSize)
		os.Exit(1)
	}

	sv := sieve.NewInstance(cfg.Sieve)
	ehandler := sieve.NewErrorHandler(script.Name)

	bin, err := sv.Compile(script, ehandler)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sievec: failed to compile %s: %v\n", scriptPath, err)
		os.Exit(1)
	}

	if *dump {
		if err := sieve.DumpBinary(bin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "sievec: dump failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(exitOK)
	}

	outPath := script.BinaryPath()
	if flag.NArg() == 2 {
		outPath = flag.Arg(1)
	}
	if outPath == "" {
		fmt.Fprintf(os.Stderr, "sievec: no output path\n")
		os.Exit(1)
	}

	if err := sv.Save(bin, outPath); err != nil {
		fmt.Fprintf(os.Stderr, "sievec: %v\n", err)
		os.Exit(exitTempFail)
	}
	os.Exit(exitOK)
}

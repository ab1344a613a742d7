// sieve-test dry-runs a sieve script against a raw message file and prints
// the resulting action plan; nothing is delivered.
//
// Usage:
//
//	sieve-test [-config sieve.toml] [-f from] [-r to] [-t level] script.sieve message.eml
//
// The script argument may also name a compiled binary (.svbin).
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/xrg/pigeonhole/config"
	"github.com/xrg/pigeonhole/logger"
	"github.com/xrg/pigeonhole/sieve"

	_ "github.com/xrg/pigeonhole/sieve/ext/fileinto"
	_ "github.com/xrg/pigeonhole/sieve/ext/imap4flags"
	_ "github.com/xrg/pigeonhole/sieve/ext/regex"
	_ "github.com/xrg/pigeonhole/sieve/ext/variables"
)

const (
	exitOK             = 0
	exitScriptNotFound = 67
	exitTempFail       = 75
	exitConfigError    = 78
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	envFrom := flag.String("f", "", "envelope sender address")
	envTo := flag.String("r", "", "envelope recipient address")
	traceLevel := flag.Int("t", 0, "trace level (0-4)")
	flag.Parse()

	if flag.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "usage: sieve-test [options] <script> <message>\n")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sieve-test: %v\n", err)
		os.Exit(exitConfigError)
	}
	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sieve-test: failed to initialize logging: %v\n", err)
		os.Exit(exitConfigError)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	sv := sieve.NewInstance(cfg.Sieve)

	scriptPath := flag.Arg(0)
	var bin *sieve.Binary
	var scriptName string
	if strings.HasSuffix(scriptPath, ".svbin") {
		scriptName = scriptPath
		bin, err = sv.Load(scriptPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sieve-test: %v\n", err)
			if sieve.ClassifyError(err) == sieve.ErrorNotFound {
				os.Exit(exitScriptNotFound)
			}
			os.Exit(1)
		}
	} else {
		script, serr := sieve.LoadScriptFile(scriptPath)
		if serr != nil {
			fmt.Fprintf(os.Stderr, "sieve-test: %v\n", serr)
			os.Exit(exitScriptNotFound)
		}
		scriptName = script.Name
		ehandler := sieve.NewErrorHandler(script.Name)
		bin, err = sv.Compile(script, ehandler)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sieve-test: failed to compile %s: %v\n", scriptPath, err)
			os.Exit(1)
		}
	}

	raw, err := os.ReadFile(flag.Arg(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sieve-test: %v\n", err)
		os.Exit(1)
	}
	msg, err := sieve.NewMessageData(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sieve-test: %v\n", err)
		os.Exit(1)
	}
	msg.EnvelopeFrom = *envFrom
	msg.EnvelopeTo = *envTo

	env := &sieve.ScriptEnv{
		DefaultMailbox: cfg.Sieve.DefaultMailbox,
		Username:       os.Getenv("USER"),
		ExecStatus:     &sieve.ExecStatus{},
	}
	if *traceLevel > 0 {
		env.TraceStream = os.Stdout
		env.TraceConfig = sieve.TraceConfig{Level: sieve.TraceLevel(*traceLevel)}
	}

	ehandler := sieve.NewErrorHandler(scriptName)
	var keep bool
	ret := sv.Test(bin, msg, env, ehandler, os.Stdout, &keep)
	switch ret {
	case sieve.ExecOK:
		os.Exit(exitOK)
	case sieve.ExecTempFailure:
		os.Exit(exitTempFail)
	default:
		fmt.Fprintf(os.Stderr, "sieve-test: execution failed: %s\n", ret)
		os.Exit(1)
	}
}

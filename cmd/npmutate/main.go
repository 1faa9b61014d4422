// Command-line interface to the npmutate engine.
// Runs the HTTP server or applies single mutations directly to a store.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/janelia-flyem/npmutate/neuprint"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Run mutations and roll them back.
	dryRun = flag.Bool("dryrun", false, "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")

	// Number of logical CPUs to use.
	useCPU = flag.Int("numcpu", 0, "")
)

const helpMessage = `
npmutate applies proofreading edits to a neuPrint connectome

Usage: npmutate [options] <command>

      -dryrun     (flag)    Run mutations and then roll them back.
      -cpuprofile =string   Write CPU profile to this file.
      -numcpu     =number   Number of logical CPUs to use.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	help
	serve  <config.toml>
	load   <config.toml> <dataset> <fixture.json>
	check  <config.toml> <dataset>
	merge  <config.toml> <dataset> <request.json | ->
	split  <config.toml> <dataset> <request.json | ->
	update <config.toml> <dataset> <request.json | ->

Mutation requests are the JSON bodies accepted by the HTTP API.  Use "-" to read
the request from standard input.  The mutation result is written as JSON to
standard output.
`

var usage = func() {
	fmt.Print(helpMessage)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}
	if *runVerbose {
		neuprint.Verbose = true
		neuprint.SetLogMode(neuprint.DebugMode)
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}
	if *useCPU != 0 {
		runtime.GOMAXPROCS(*useCPU)
	}

	// Capture ctrl+c and other interrupts, cancelling the context for a graceful
	// shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &commander{in: os.Stdin, out: os.Stdout, dryRun: *dryRun}
	err := cmd.do(ctx, flag.Args())
	neuprint.Shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

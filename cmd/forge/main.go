package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"

	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgebuild/forge"
	internaltrace "github.com/forgebuild/forge/internal/trace"
)

var (
	debug      = flag.Bool("debug", false, "print verbose error chains")
	cpuprofile = flag.String("cpuprofile", "", "write CPU profile to this file")
	memprofile = flag.String("memprofile", "", "write memory profile to this file")
	tracefile  = flag.String("tracefile", "", "write a runtime/trace trace to this file")
	ctracefile = flag.String("ctracefile", "", "write a Chrome trace (internal/trace) to this file")
	httpListen = flag.String("http_listen", "", "optional address to serve /debug/pprof and /metrics on, e.g. localhost:7070")
)

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func funcmain() error {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	if *tracefile != "" {
		f, err := os.Create(*tracefile)
		if err != nil {
			return err
		}
		trace.Start(f)
		defer trace.Stop()
	}

	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			return err
		}
		internaltrace.Sink(f)
	}

	if *httpListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/debug/pprof/", http.DefaultServeMux)
		go http.ListenAndServe(*httpListen, mux)
	}

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"build":      {cmdbuild},
		"cache":      {cmdcache},
		"env":        {printenv},
	}

	args := flag.Args()
	verb := "build"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		fmt.Fprintf(os.Stderr, "forge [-flags] <command> [-flags] <args>\n")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "\tbuild  - build targets from a workspace manifest\n")
		fmt.Fprintf(os.Stderr, "\tcache  - inspect or garbage-collect the local cache\n")
		fmt.Fprintf(os.Stderr, "\tenv    - print forge's environment\n")
		os.Exit(2)
	}

	ctx, canc := forge.InterruptibleContext()
	defer canc()

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: forge <command> [options]\n")
		os.Exit(2)
	}

	err := v.fn(ctx, args)

	if atErr := forge.RunAtExit(); atErr != nil && err == nil {
		err = atErr
	}

	if *memprofile != "" {
		f, ferr := os.Create(*memprofile)
		if ferr != nil {
			log.Fatal("could not create memory profile: ", ferr)
		}
		defer f.Close()
		runtime.GC()
		if werr := pprof.WriteHeapProfile(f); werr != nil {
			log.Fatal("could not write memory profile: ", werr)
		}
	}

	if err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}
	return nil
}

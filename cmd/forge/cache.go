package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/forgebuild/forge"
	"github.com/forgebuild/forge/internal/cache"
)

const cacheHelp = `forge cache <stats|gc> [-flags]

Inspect or garbage-collect the local target/action caches.
`

func cmdcache(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("cache", flag.ExitOnError)
	fset.Usage = usage(fset, cacheHelp)
	fset.Parse(args)

	if fset.NArg() == 0 {
		fset.Usage()
		os.Exit(2)
	}
	sub, rest := fset.Arg(0), fset.Args()[1:]
	switch sub {
	case "stats":
		return cacheStats(rest)
	case "gc":
		return cacheGC(rest)
	default:
		return fmt.Errorf("unknown cache subcommand %q", sub)
	}
}

func openStores(byteBudget int64) (target, action *cache.Store, err error) {
	logger := log.New(os.Stderr, "forge: ", log.LstdFlags)
	cacheRoot := filepath.Join(forge.Root, "cache")
	target, err = cache.Open(filepath.Join(cacheRoot, "target"), cache.TagTarget, byteBudget, logger)
	if err != nil {
		return nil, nil, err
	}
	action, err = cache.Open(filepath.Join(cacheRoot, "action"), cache.TagAction, byteBudget, logger)
	if err != nil {
		target.Close()
		return nil, nil, err
	}
	return target, action, nil
}

func cacheStats(args []string) error {
	target, action, err := openStores(0)
	if err != nil {
		return err
	}
	defer target.Close()
	defer action.Close()

	ts, as := target.Stats(), action.Stats()
	fmt.Printf("target: %d entries, %d bytes, hit rate %.1f%% (%d hits / %d misses)\n",
		ts.Entries, ts.Bytes, ts.HitRate*100, ts.Hits, ts.Misses)
	fmt.Printf("action: %d entries, %d bytes, hit rate %.1f%% (%d hits / %d misses)\n",
		as.Entries, as.Bytes, as.HitRate*100, as.Hits, as.Misses)
	return nil
}

func cacheGC(args []string) error {
	fset := flag.NewFlagSet("cache gc", flag.ExitOnError)
	var byteBudget = fset.Int64("byte_budget", 0, "evict LRU entries from each store down to this many bytes (0 = no eviction)")
	fset.Parse(args)

	target, action, err := openStores(*byteBudget)
	if err != nil {
		return err
	}
	defer target.Close()
	defer action.Close()

	target.GC()
	action.GC()
	fmt.Println("cache gc: done")
	return nil
}

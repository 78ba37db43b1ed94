package forge

import "os"

// Root is the root directory under which the cache and the graph
// replay journal of a forge invocation live, in the absence of an
// explicit path. Inspect it with `forge env`.
var Root = findRoot()

func findRoot() string {
	if env := os.Getenv("FORGEROOT"); env != "" {
		return env
	}
	return os.ExpandEnv("$HOME/.forge") // default
}

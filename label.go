package forge

import (
	"strings"

	"github.com/forgebuild/forge/internal/forgeerr"
)

// TargetID is a namespaced target identifier, e.g. "//pkg/sub:name".
type TargetID string

// Parse splits a TargetID into its package path and target name.
//
// Valid forms: "//pkg/sub:name" and the shorthand "//pkg/sub" (name
// defaults to the last path component, e.g. "//pkg/sub" ==
// "//pkg/sub:sub").
func (t TargetID) Parse() (pkg, name string, err error) {
	s := string(t)
	if !strings.HasPrefix(s, "//") {
		return "", "", forgeerr.NewParseErr("target id must start with //", nil)
	}
	s = strings.TrimPrefix(s, "//")
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		pkg, name = s[:idx], s[idx+1:]
	} else {
		pkg = s
		if i := strings.LastIndexByte(pkg, '/'); i >= 0 {
			name = pkg[i+1:]
		} else {
			name = pkg
		}
	}
	if pkg == "" || name == "" {
		return "", "", forgeerr.NewParseErr("target id missing package or name: "+s, nil)
	}
	return pkg, name, nil
}

// String returns the canonical "//pkg:name" form.
func (t TargetID) String() string {
	pkg, name, err := t.Parse()
	if err != nil {
		return string(t)
	}
	return "//" + pkg + ":" + name
}

// Valid reports whether t parses successfully.
func (t TargetID) Valid() bool {
	_, _, err := t.Parse()
	return err == nil
}

// Package pathconv implements ConvertPath (spec.md §6, §8's round-trip
// property): translating a path that is meaningful from one
// container's root into the equivalent path from another container's
// root, the way original_source's TContainer::RelativeName/AbsoluteName
// pair does for a client chrooted into one container that needs to name
// a file from another's point of view.
package pathconv

import (
	"path"
	"strings"

	"github.com/idroz/portod/internal/wire"
)

// NormalPath puts p into the join-composable canonical form §8
// requires: absolute, slash-separated, no "." or ".." segments, no
// trailing slash (except the root itself). NormalPath is idempotent.
func NormalPath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean("/" + p)
	return cleaned
}

// InnerPath strips base's prefix from p, returning the path p names
// relative to base. It requires p to already be Normal and to lie
// under base; callers pass NormalPath(base) and NormalPath(p).
func InnerPath(base, p string) (string, bool) {
	base = NormalPath(base)
	p = NormalPath(p)
	if base == "/" {
		return p, true
	}
	if p == base {
		return "/", true
	}
	if strings.HasPrefix(p, base+"/") {
		return p[len(base):], true
	}
	return "", false
}

// Convert translates src, a path meaningful from fromRoot's point of
// view, into the path meaningful from toRoot's point of view: it strips
// fromRoot's prefix off src and re-prefixes the result with toRoot.
//
// With fromRoot "" (the path is not rooted under any container),
// Convert("/", "", "/root_abc/root_def/root_gik") returns
// "/root_abc/root_def/root_gik", and Convert("/abc/def/gik", "", "/r")
// returns "/r/abc/def/gik".
func Convert(src, fromRoot, toRoot string) (string, error) {
	inner, ok := InnerPath(fromRoot, src)
	if !ok {
		return "", wire.Errorf(wire.InvalidPath, "convert_path: %q is not under root %q", src, fromRoot)
	}
	if inner == "/" {
		return NormalPath(toRoot), nil
	}
	return NormalPath(path.Join(toRoot, inner)), nil
}

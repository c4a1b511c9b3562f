package memfs

import "strings"

// normalize collapses "//", resolves ".." within the tree (never escaping
// root), strips a trailing "/", and prepends "/" if missing. It is a pure
// function: normalize(normalize(p)) == normalize(p) for all p.
func normalize(p string) string {
	segments := strings.Split(p, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return "/"
	}
	return "/" + strings.Join(out, "/")
}

// splitParent returns the normalised parent path and the final segment
// name for p. For "/" it returns ("/", "").
func splitParent(p string) (parent string, name string) {
	norm := normalize(p)
	if norm == "/" {
		return "/", ""
	}
	idx := strings.LastIndex(norm, "/")
	name = norm[idx+1:]
	if idx == 0 {
		parent = "/"
	} else {
		parent = norm[:idx]
	}
	return parent, name
}

// segments splits a normalised path into its path components ("/" -> nil).
func segments(normPath string) []string {
	if normPath == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(normPath, "/"), "/")
}

package modules

import (
	"strings"

	"isobox/internal/isoerr"
	"isobox/internal/memfs"
)

// Source is a resolved module's canonical id and its source text.
type Source struct {
	ID     string
	Source string
}

// Resolver maps a logical module request to a Source, honouring an
// allow-list of built-in/host module names plus relative and absolute
// MemFS paths restricted to a configurable set of allowed path prefixes.
// Pure: no I/O beyond MemFS reads.
type Resolver struct {
	fs              *memfs.MemFS
	allowlist       map[string]string // builtin name -> source
	allowedPrefixes []string          // MemFS path prefixes requests may resolve under; nil/empty = unrestricted
}

// NewResolver constructs a Resolver backed by fs. allowlist maps builtin
// module names to their source text; allowedPrefixes restricts which
// MemFS directories a relative/absolute require may resolve into (an empty
// slice permits any path).
func NewResolver(fs *memfs.MemFS, allowlist map[string]string, allowedPrefixes []string) *Resolver {
	if allowlist == nil {
		allowlist = map[string]string{}
	}
	return &Resolver{fs: fs, allowlist: allowlist, allowedPrefixes: allowedPrefixes}
}

// Allow registers (or replaces) an allow-listed builtin module's source.
func (r *Resolver) Allow(name, source string) {
	r.allowlist[name] = source
}

// Resolve resolves request (as seen from requesterID's directory, when
// requesterID is a MemFS path) to a canonical Source. Resolution order:
// exact allow-list hit, then relative path within MemFS (./, ../), then
// absolute MemFS path. A path that exists in MemFS but falls outside
// allowedPrefixes fails with isoerr.ModuleForbidden rather than
// isoerr.ModuleNotFound.
func (r *Resolver) Resolve(requesterID, request string) (Source, error) {
	if src, ok := r.allowlist[request]; ok {
		return Source{ID: "builtin:" + request, Source: src}, nil
	}

	if strings.HasPrefix(request, "./") || strings.HasPrefix(request, "../") {
		base := requesterDir(requesterID)
		return r.resolveMemFSPath(joinRelative(base, request))
	}

	if strings.HasPrefix(request, "/") {
		return r.resolveMemFSPath(request)
	}

	return Source{}, isoerr.New(isoerr.ModuleNotFound, "module not found: "+request)
}

func (r *Resolver) resolveMemFSPath(path string) (Source, error) {
	resolved := path
	if !r.fs.Exists(resolved) {
		withExt := resolved + ".js"
		if r.fs.Exists(withExt) {
			resolved = withExt
		} else {
			return Source{}, isoerr.New(isoerr.ModuleNotFound, "module not found: "+path)
		}
	}

	if !r.pathAllowed(resolved) {
		return Source{}, isoerr.New(isoerr.ModuleForbidden, "module path not allow-listed: "+resolved)
	}

	content, err := r.fs.Read(resolved)
	if err != nil {
		if isoerr.Is(err, isoerr.IsDirectory) {
			return Source{}, isoerr.New(isoerr.ModuleNotFound, "module path is a directory: "+resolved)
		}
		return Source{}, isoerr.New(isoerr.ModuleNotFound, "module not found: "+resolved)
	}
	return Source{ID: resolved, Source: string(content)}, nil
}

func (r *Resolver) pathAllowed(path string) bool {
	if len(r.allowedPrefixes) == 0 {
		return true
	}
	for _, prefix := range r.allowedPrefixes {
		if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

func requesterDir(requesterID string) string {
	if requesterID == "" || strings.HasPrefix(requesterID, "builtin:") {
		return "/"
	}
	idx := strings.LastIndex(requesterID, "/")
	if idx <= 0 {
		return "/"
	}
	return requesterID[:idx]
}

func joinRelative(base, rel string) string {
	segs := append(strings.Split(strings.Trim(base, "/"), "/"), strings.Split(rel, "/")...)
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		switch s {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, s)
		}
	}
	return "/" + strings.Join(out, "/")
}

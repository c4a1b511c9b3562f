// Package bridge installs the host-bridged globals guest code uses to
// reach back into MemFS and the module system: a `__host_fs` object and a
// `require` function. Adapted from the teacher's extensions.Sandbox /
// ExtensionRuntime message-channel pattern, but collapsed from an async
// channel hand-off to direct synchronous host callbacks, since the
// sandbox's scheduling model is single-threaded cooperative reentrancy,
// not an async message queue.
package bridge

import (
	"fmt"

	"isobox/internal/engine"
	"isobox/internal/isoerr"
	"isobox/internal/memfs"
	"isobox/internal/modules"
)

const bootstrapSource = `
var __host_fs = {
  write: function(path, content) { return __host_fs_write(path, content); },
  read: function(path) { return __host_fs_read(path); },
  mkdir: function(path, recursive) { return __host_fs_mkdir(path, !!recursive); },
  delete: function(path, recursive) { return __host_fs_delete(path, !!recursive); },
  readdir: function(path) { return __host_fs_readdir(path); },
  stat: function(path) { return __host_fs_stat(path); },
  exists: function(path) { return __host_fs_exists(path); },
};
`

// Install registers the MemFS primitives and the __host_fs bootstrap
// object on ctx. It does not install require — that is per-module and
// installed by NewModuleLoader around each module body's execution.
func Install(iso engine.Isolate, ctx engine.Context, fs *memfs.MemFS) error {
	bindings := map[string]engine.HostFunc{
		"__host_fs_write": func(args []interface{}) (interface{}, error) {
			path, ok1 := argString(args, 0)
			content, ok2 := argString(args, 1)
			if !ok1 || !ok2 {
				return nil, isoerr.New(isoerr.InvalidInput, "fs.write(path, content) requires two strings")
			}
			return nil, fs.WriteString(path, content)
		},
		"__host_fs_read": func(args []interface{}) (interface{}, error) {
			path, _ := argString(args, 0)
			content, err := fs.Read(path)
			if err != nil {
				return nil, err
			}
			return string(content), nil
		},
		"__host_fs_mkdir": func(args []interface{}) (interface{}, error) {
			path, _ := argString(args, 0)
			recursive, _ := argBool(args, 1)
			return nil, fs.Mkdir(path, recursive)
		},
		"__host_fs_delete": func(args []interface{}) (interface{}, error) {
			path, _ := argString(args, 0)
			recursive, _ := argBool(args, 1)
			return nil, fs.Delete(path, recursive)
		},
		"__host_fs_readdir": func(args []interface{}) (interface{}, error) {
			path, _ := argString(args, 0)
			names, err := fs.Readdir(path)
			if err != nil {
				return nil, err
			}
			out := make([]interface{}, len(names))
			for i, n := range names {
				out[i] = n
			}
			return out, nil
		},
		"__host_fs_stat": func(args []interface{}) (interface{}, error) {
			path, _ := argString(args, 0)
			stat, err := fs.Stat(path)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"isDirectory": stat.IsDirectory,
				"size":        stat.Size,
				"created":     stat.Created,
				"modified":    stat.Modified,
				"accessed":    stat.Accessed,
				"permissions": uint32(stat.Permissions),
			}, nil
		},
		"__host_fs_exists": func(args []interface{}) (interface{}, error) {
			path, _ := argString(args, 0)
			return fs.Exists(path), nil
		},
	}

	for name, fn := range bindings {
		if err := ctx.Set(name, fn); err != nil {
			return isoerr.Wrap(isoerr.ContextSetupFailed, "bridge: failed to install "+name, err)
		}
	}

	script, err := iso.Compile(bootstrapSource, engine.CompileOptions{Filename: "<bridge-bootstrap>"})
	if err != nil {
		return isoerr.Wrap(isoerr.ContextSetupFailed, "bridge: bootstrap compile failed", err)
	}
	if _, err := script.Run(ctx, engine.RunOptions{}); err != nil {
		return isoerr.Wrap(isoerr.ContextSetupFailed, "bridge: bootstrap run failed", err)
	}
	return nil
}

// InstallRequire registers a top-level `require` global on ctx that
// reenters sys.Require as seen from requesterID (typically the empty
// string, meaning "the sandbox's top-level script"). Nested requires
// issued from inside a loaded module instead go through the per-module
// `require` NewModuleLoader binds around that module's body.
func InstallRequire(ctx engine.Context, sys *modules.System, requesterID string) error {
	fn := engine.HostFunc(func(args []interface{}) (interface{}, error) {
		request, ok := argString(args, 0)
		if !ok {
			return nil, isoerr.New(isoerr.InvalidInput, "require(specifier) requires a string")
		}
		return sys.Require(requesterID, request)
	})
	if err := ctx.Set("require", fn); err != nil {
		return isoerr.Wrap(isoerr.ContextSetupFailed, "bridge: failed to install top-level require", err)
	}
	return nil
}

// NewModuleLoader returns a modules.Loader that compiles and runs a
// resolved module's source inside ctx, wrapped in a CommonJS-style
// function scope exposing require/module/exports, reentering mods.Require
// for nested requires.
func NewModuleLoader(iso engine.Isolate, ctx engine.Context) modules.Loader {
	return func(src modules.Source, exports interface{}, requireFn func(string) (interface{}, error)) error {
		hostRequire := engine.HostFunc(func(args []interface{}) (interface{}, error) {
			request, ok := argString(args, 0)
			if !ok {
				return nil, isoerr.New(isoerr.InvalidInput, "require(specifier) requires a string")
			}
			return requireFn(request)
		})
		if err := ctx.Set("__module_require", hostRequire); err != nil {
			return isoerr.Wrap(isoerr.ContextSetupFailed, "module loader: require binding failed", err)
		}
		if err := ctx.Set("__module_exports", exports); err != nil {
			return isoerr.Wrap(isoerr.ContextSetupFailed, "module loader: exports binding failed", err)
		}

		wrapped := fmt.Sprintf(
			"(function(require, module, exports) {\n%s\n})(__module_require, {id: %q, exports: __module_exports}, __module_exports);",
			src.Source, src.ID,
		)
		script, err := iso.Compile(wrapped, engine.CompileOptions{Filename: src.ID})
		if err != nil {
			return isoerr.Wrap(isoerr.GuestCompileError, "module compile failed: "+src.ID, err)
		}
		_, err = script.Run(ctx, engine.RunOptions{})
		return err
	}
}

func argString(args []interface{}, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func argBool(args []interface{}, i int) (bool, bool) {
	if i >= len(args) {
		return false, false
	}
	b, ok := args[i].(bool)
	return b, ok
}

// Package vmrun runs pre-built server-side JavaScript bundles on goja, the
// way a Node server renders a page per request from a webpack bundle.
//
// # Overview
//
// A [bundle] maps module ids to CommonJS sources. An executor compiles and
// evaluates them in sandboxed realms, and a runner calls the entry export
// with a request context, choosing how much state renders share:
//
//   - fresh: the whole bundle is evaluated per render
//   - once: evaluated once in a dedicated realm, the export is called per render
//   - direct: like once, in the host realm that keeps a global require
//
// # Basic Usage
//
//	exec, _ := executor.New(hostfunc.NewRegistry())
//	defer exec.Close()
//
//	b, _ := bundle.Load("dist/server-bundle.json", "")
//	r, _ := exec.NewRunner(b, executor.WithIsolation(executor.IsolationOnce))
//	defer r.Close()
//
//	html, err := r.Render(ctx, map[string]any{"url": "/"})
//
// # Enabling Capabilities
//
// Bundles reach host functions through require("vmrun:host"):
//
//	// HTTP access
//	exec, _ := executor.New(registry, executor.WithAllowedHosts("api.example.com"))
//
//	// Read-only filesystem access
//	exec, _ := executor.New(registry, executor.WithMount("/data", "./input"))
//
//	// Key-value store
//	exec, _ := executor.New(registry, executor.WithKVConfig(hostfunc.DefaultKVConfig()))
//
// See the [executor], [sandbox], [resolve] and [hostfunc] packages for
// detailed API documentation.
package vmrun

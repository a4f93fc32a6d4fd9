// Package executor runs pre-built JavaScript bundles on goja, typically to
// render a page per request with a caller-supplied context.
//
// # Overview
//
// An [Executor] holds what every render shares: the sandbox factory, the
// compiler for modules loaded from disk, the external resolution cache and
// the host functions. A [Runner] binds one bundle to an [Isolation] mode.
//
// # Basic Usage
//
//	exec, err := executor.New(hostfunc.NewRegistry())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	b, _ := bundle.New("app.js", map[string]string{
//	    "app.js": `module.exports = function (ctx) { return "<h1>" + ctx.title + "</h1>" }`,
//	})
//	r, err := exec.NewRunner(b, executor.WithIsolation(executor.IsolationOnce))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close()
//
//	html, err := r.Render(ctx, map[string]any{"title": "Hello"})
//
// # Isolation
//
// IsolationFresh evaluates the entire bundle in a new realm per render.
// IsolationOnce evaluates it once in a realm owned by the runner and calls
// the exported function per render, so module-level state is shared.
// IsolationDirect does the same in the executor's host realm, which keeps
// the global require.
//
// In every mode the request context gets a new _registeredComponents set.
// In once and direct modes, an _styles object left on the context slot by
// the entry module is copied into every request context (plain objects
// deeply, arrays shallowly), and a captured _renderStyles function backs a
// read-only styles property. Once the render settles, the caller's map holds
// styles as a Computed that renders on demand.
//
// # Modules
//
// require inside the bundle first looks the id up in the bundle and
// otherwise resolves it node-style from the runner basedir. Bundle modules
// exporting a "default" property are unwrapped. Host functions are reached
// with require("vmrun:host").
//
// # Errors
//
// Every failure settles the [Deferred] returned by [Runner.Run]; nothing
// is raised synchronously. Engine failures keep their Go types
// (*compiler.CompileError, *resolve.ResolutionError, *ConfigurationError)
// even when they travelled through JS. Exceptions thrown by bundle code
// arrive as *goja.Exception, and rejected promises as *RejectionError.
//
// # Sessions
//
// Sessions keep one isolated realm for interactive use:
//
//	session, err := exec.NewSession(b)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	session.Run(ctx, `var app = require("./app.js")`)
//	result := session.Run(ctx, `app({ title: "x" })`)
package executor

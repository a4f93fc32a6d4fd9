// Package hostfunc provides Go functions callable from bundle code.
//
// Host functions give render code controlled access to resources the realm
// does not expose on its own: a shared key-value store, outbound HTTP and
// read-only files. Every capability must be enabled explicitly.
//
// # Registry
//
// The [Registry] manages available host functions. Register custom functions
// or use the built-in helpers:
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("my_func", func(ctx context.Context, args map[string]any) (any, error) {
//	    return "result", nil
//	})
//
// Bundles reach the registry through the native module [ModuleName]:
//
//	const host = require("vmrun:host");
//	host.my_func({ any: "args" });
//
// A Go error returned by a host function is thrown as a JS error.
//
// # Built-in Capabilities
//
// HTTP: Controlled network access via [HTTP] and [HTTPConfig].
//
//	hostfunc.NewHTTP(hostfunc.HTTPConfig{
//	    AllowedHosts: []string{"api.example.com"},
//	}).Register(registry)
//
// Filesystem: Read-only mounts via [FS] and [Mount].
//
//	hostfunc.NewFS([]hostfunc.Mount{
//	    {VirtualPath: "/data", HostPath: "./templates"},
//	}).Register(registry)
//
// Key-Value Store: In-memory storage via [KV] and [KVConfig].
//
//	hostfunc.NewKV(hostfunc.DefaultKVConfig()).Register(registry)
//
// See the executor package for options that configure these capabilities.
package hostfunc

// Package hostfunc provides the capability functions scripts use to reach
// the outside world.
//
// Scripts have no implicit access to files, the network or shared state.
// Each capability is a set of [Func]s, grouped into a library namespace that
// the executor registers under the std alias:
//
//	local fs = require("@std/fs")
//	local text = fs.read{path = "/data/input.txt"}
//
// Functions take a table of named arguments. Most also accept positional
// arguments in the order they are documented, so fs.read("/data/input.txt")
// is equivalent to the call above.
//
// # Built-in Capabilities
//
// Filesystem: Mount-based access via [FS], [Mount], and [MountMode].
//
//	fs := hostfunc.NewFS(hostfunc.Mount{
//	    VirtualPath: "/data", HostPath: "./input", Mode: hostfunc.MountReadOnly,
//	})
//
// Key-Value Store: In-memory storage via [KV] and [KVConfig].
//
//	kv := hostfunc.NewKV(hostfunc.DefaultKVConfig())
//
// HTTP: Controlled network access via [HTTP] and [HTTPConfig].
//
//	http := hostfunc.NewHTTP(hostfunc.HTTPConfig{
//	    AllowedHosts: []string{"api.example.com"},
//	})
//
// # Registry
//
// The [Registry] maps flat names to functions. The WASI runner uses it to
// serve host calls made by guest modules:
//
//	registry := hostfunc.NewRegistry()
//	registry.RegisterNamespace("kv", kv.Namespace())
//	// guest calls "kv_get", "kv_set", ...
//
// # Limits
//
// Hosts match exactly or as a parent domain; IP addresses only match after
// normalization. Mounts confine paths lexically and by mode. Keys, values,
// URLs and bodies are bounded by the sizes in each config.
package hostfunc

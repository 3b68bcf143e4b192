// Package plugins implements Lantern's runtime plugin system.
//
// Plugins are Lua code bundles — a single .lua file or a zip archive with a
// declarative plugin.yaml manifest — uploaded into a running host. Each
// plugin executes inside a capability-restricted Lua state and exports a
// descriptor declaring routes, assets, hooks, and lifecycle procedures. The
// lifecycle manager registers descriptors in the in-memory registry (the
// authoritative store), mirrors them to persistence, and the route binder
// dispatches HTTP traffic to enabled plugins under /api/plugins/{id}/.
//
// Isolation is best-effort capability restriction within the host process,
// not a hard security boundary. See the sandbox and executor types for the
// exact guarantees.
package plugins

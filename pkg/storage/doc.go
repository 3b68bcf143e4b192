// Package storage provides the persistence mirror for the plugin registry
// and the per-plugin key-value store handed to plugin code.
//
// The in-memory registry is authoritative at runtime; this layer is written
// through synchronously after each mutation and read back only at process
// start to reconcile enabled flags.
package storage

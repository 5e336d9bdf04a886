// Package script compiles user transformation scripts into sandboxed units
// and keeps them in a registry that is refreshed from a backing store.
//
// Scripts are ECMAScript modules exporting an object with any of
// transformHeaders, transformParams and transformBody. Each function
// receives the current value and the target metadata and returns the
// replacement value. Scripts run in goja runtimes without access to the
// file system, environment or network, and every call is bounded by a
// wall-clock timeout.
package script

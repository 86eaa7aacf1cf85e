// Package vrift contains the shared kernel of the vrift virtual filesystem:
// content hashes, vnode entries, project identity, typed errors, logging and
// concurrency utilities used by the cas, manifest, vdir, ipc, daemon and vfs
// packages.
//
// vrift layers a transparent virtual filesystem over an unmodified host
// filesystem. File bodies are deduplicated into a global content-addressed
// store keyed by BLAKE3 digest; a per-project index projects the logical
// directory tree; a resident daemon owns the index and promotes staged writes
// into the store; client processes resolve reads through a memory-mapped view
// of the index and route mutations to the daemon over a unix-domain socket.
package vrift

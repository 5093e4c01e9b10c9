// Package serverrun boots a quill server process: it builds the process
// logger, the metrics registry, the runtime and the HTTP server, then blocks
// until the context is cancelled or a termination signal arrives.
package serverrun

// Package client implements the CLI's topic commands over the server's HTTP
// API: list, stats, publish, entries, recover and delete.
package client

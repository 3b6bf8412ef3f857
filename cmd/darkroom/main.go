// Package main provides the Darkroom core daemon. It owns the local
// store and sync engine; UI clients talk to it over localhost REST and
// WebSocket.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}

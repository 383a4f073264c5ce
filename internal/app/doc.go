// Package app wires application dependencies for the daemon and the CLI.
//
// It builds the database, stores, services and HTTP server from a loaded
// config.Config, exposing them via the Wire struct for commands to use.
// App runs the wired server together with its background maintenance.
package app

// Package api is the HTTP boundary of the E2EE services.
//
// Routes live under /_matrix/client/v3 and take a bearer JWT whose subject
// is the user ID and whose device_id claim names the calling device.
// Service errors are mapped to status codes and Matrix errcode values in
// respond.go.
package api

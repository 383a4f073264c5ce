// Package client is an HTTP client for the e2eed client API.
//
// It covers the device-key and to-device endpoints a device needs to
// publish its keys, establish olm channels and exchange to-device events.
// Client satisfies olm.Directory and megolm.Outbox, so the session managers
// can run against a remote server as well as an in-process registry.
//
// All requests are JSON over HTTP, carry a bearer token and accept a
// context for cancellation and deadlines. Error responses are mapped back
// onto the domain error sentinels using their errcode.
package client

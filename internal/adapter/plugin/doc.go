// Package plugin is the HTTP client for the game-server control plugin's REST API.
//
// Every topic has its own circuit breaker so one failing endpoint does not slow down
// the others. Client implements domain.Source.
package plugin

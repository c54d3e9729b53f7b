// Package server exposes the HTTP boundary: workflow submission and
// lifecycle control, definition management, and the agent-facing
// register/poll/report endpoints. Internal interactions stay on the event
// bus and state store; the HTTP surface is a thin translation layer over the
// engine, registry, and dispatcher.
package server

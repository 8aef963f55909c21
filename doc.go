// Package fleet is the session migration and region management engine: it
// tracks stateful browser-automation sessions across geographic regions and
// relocates them between regions on demand, or en masse when a region fails.
//
// The engine is a pure in-memory orchestration layer. Driving browser
// processes, exposing an API surface, authentication and durable persistence
// are external collaborators reached through the interfaces in pkg/ports.
package fleet

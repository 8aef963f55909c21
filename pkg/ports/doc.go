// Package ports defines the driven interfaces of the fleet engine. The
// engine orchestrates sessions through these contracts; adapters (in-memory,
// redis, or the real region fabric) implement them.
package ports

// Package domain contains the core types of the fleet engine: sessions,
// migration results, statistics and lifecycle events. It has no dependencies
// on the rest of the module so adapters and consumers can share it freely.
package domain

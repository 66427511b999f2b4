// Package store provides SQLite persistence for the few things that
// outlive a gateway restart: app-open statistics, the active broadcast,
// and the agent sighting log. In-flight requests and cached listings are
// deliberately not persisted.
package store

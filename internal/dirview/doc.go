// Package dirview turns raw directory listings received from agents into
// deterministic, paginated chat screens. A listing is cached as a snapshot
// per (agent, path); subsequent sort, filter and page flips re-render from
// the snapshot without another agent round-trip.
package dirview

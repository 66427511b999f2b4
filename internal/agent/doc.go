// Package agent manages the server side of agent connections: the registry
// of live transport handles, the liveness sweep, and the correlator that
// turns the fire-and-forget wire into synchronous, deadline-bounded calls.
package agent

// Package presence tracks agent reachability from two independent signals:
// periodic health pings and the live control connection. The connection
// signal always wins; health records expire on their own TTL.
package presence

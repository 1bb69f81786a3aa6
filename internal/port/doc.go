// Package port implements range-partitioned port allocation for berth.
//
// Each environment (dev, test, production) owns a disjoint, inclusive
// range. Automatic allocation scans the range in ascending order and claims
// the lowest port that is neither reserved nor held by a live allocation:
//
//	dev [8000,8002], reserved {8001}
//	allocate(api)  → 8000
//	allocate(web)  → 8002
//	allocate(db)   → Exhausted
//
// Allocations are rows in the store's port_allocations table. The final
// claim is an INSERT guarded by a partial UNIQUE index on live ports, so
// two processes racing for the same port cannot both win; the loser moves
// on to the next candidate.
//
// A Probe decides whether something is actually listening on an allocated
// port. Check uses it to flip allocations between "allocated" and
// "active"; ListenProbe binds the port with net.Listen, while the docker
// package provides a probe that reads published container ports.
package port

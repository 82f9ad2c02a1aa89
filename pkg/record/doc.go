/*
Package record provides the durable compilations store.

The Store interface is implemented three times: PostgresStore for the
normal multi-worker deployment, BoltStore for single-binary installs, and
MemoryStore for tests. All three apply the same partial Patch semantics;
none of them enforces status monotonicity, which belongs to the compile
orchestrator (one writer per compilation id at a time).
*/
package record

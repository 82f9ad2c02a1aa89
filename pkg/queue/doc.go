/*
Package queue is the Redis Streams work queue between the enqueuing API
and the compile workers.

One stream, one consumer group. Delivery is at-least-once: a fetched
entry stays in the group's pending list until acked, and entries whose
consumer has been idle past the stall grace are reclaimed by whichever
consumer fetches next (XAUTOCLAIM). Callers handle duplicates by
checking the record store for an already-terminal status.

Entries that cannot be decoded into a valid job envelope are acked and
dropped so a single bad producer cannot wedge the group.
*/
package queue

/*
Package worker is the consumption loop between the queue and the
compile orchestrator.

	queue ──fetch──▶ worker ──dispatch──▶ orchestrator
	  ▲                │
	  └──── no ack ────┘ (transport fault: redeliver)

Intake is bounded two ways: a semaphore caps jobs in flight and a token
bucket caps intake per window. Because queue delivery is at-least-once,
a redelivered job whose record is already terminal re-publishes the
final event from the record and acks without recompiling.

Shutdown is graceful: the loop stops fetching, in-flight compiles run
to completion under a detached context, and jobs still running when
the grace expires are cancelled and left pending for redelivery.
*/
package worker

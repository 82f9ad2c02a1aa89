/*
Package logbus provides the in-process pub/sub for compilation log
streams.

Channels are keyed by compilation id. The orchestrator publishes; HTTP
subscribers (outside this repository) attach and detach freely while a
compilation runs.

	publisher ──▶ channel "comp-123" ──▶ subscriber (buffer: 256)
	                                 └─▶ subscriber (buffer: 256)

Delivery rules:

  - Publish never blocks. A subscriber whose buffer is full loses the
    event; per-subscriber and bus-wide drop counters record it.
  - status → log* → done is the only sequence published per channel.
  - The done event retires the channel: buffered events drain, then all
    subscriber channels close. Late subscribers get a closed channel and
    recover final state from the record store.

There is no replay and no persistence; the record store is the source of
truth for anything missed.
*/
package logbus

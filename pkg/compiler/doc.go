/*
Package compiler drives one compile job from queued to a terminal state.

	queued ──start──▶ compiling ──ok──────▶ success
	                      │ ├─no pdf──────▶ error
	                      │ └─exit != 0───▶ error
	                      └─deadline──────▶ timeout

The orchestrator persists the compiling transition, materializes the
workspace, runs the sandbox while relaying output lines onto the log
bus, uploads artifacts with signed URLs, and writes exactly one terminal
record update followed by exactly one done event. Workspace and
container cleanup run on every exit path, panics included.

A returned error means no terminal update was persisted and the job
must stay on the queue for redelivery.
*/
package compiler

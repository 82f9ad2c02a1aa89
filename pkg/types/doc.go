/*
Package types defines the shared data model for Kiln compilations.

It holds the durable Compilation record, the Job envelope consumed from the
work queue, the log bus Event wire format, and the validation rules for
payload paths. All other packages depend on types; types depends on nothing
inside Kiln.

Status lifecycle:

	queued ──▶ compiling ──▶ success
	                 │ ├────▶ error
	                 └──────▶ timeout

Terminal states (success, error, timeout) are final; the orchestrator is
responsible for keeping transitions monotonic.
*/
package types

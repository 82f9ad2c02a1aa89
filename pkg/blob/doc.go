/*
Package blob provides the object store adapter used for project assets and
compilation artifacts.

Two logical namespaces exist: the project-assets bucket (read-only to the
core, populated externally) and the compilations bucket (written by the
orchestrator, keys shaped <compilation_id>/<artifact_name>).

The S3Store implementation targets AWS S3 or any S3-compatible endpoint
(set Endpoint and ForcePathStyle for MinIO). MemoryStore serves tests and
local development without network access.
*/
package blob

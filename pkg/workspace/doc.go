/*
Package workspace materializes compile payloads on disk.

Each compilation gets a private directory tree:

	<root>/kiln-<compilation-id>/
	├── source/   text files + downloaded assets
	└── output/   empty at creation; receives build artifacts

Paths are validated before anything touches the disk: absolute paths and
parent-directory segments reject the whole payload. Asset downloads are
best-effort; a missing figure surfaces as a warning line in the
compilation log while the build proceeds.
*/
package workspace

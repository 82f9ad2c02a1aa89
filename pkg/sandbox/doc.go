/*
Package sandbox runs TeX engines in hardened Docker containers.

Every compile gets a throwaway container with the workspace's source and
output trees bind-mounted at fixed paths:

	host workspace              container
	<root>/source/  ───────▶  /work/source   (working dir)
	<root>/output/  ───────▶  /work/output

Hardening applied to every container: read-only root filesystem, no
network, all capabilities dropped, no privilege escalation, memory and
CPU and pid caps, and a tmpfs-backed /tmp. A wall-clock deadline kills
the container with SIGKILL and surfaces ErrDeadline.

The container's combined output is the 8-byte-header multiplexed stream;
demux strips the frame headers and forwards complete lines, buffering
partials per logical stream.

Exit code 0 means the engine believes it succeeded (the PDF may still be
missing), ExitTimeout (3) is the engine wrapper's own timeout sentinel,
anything else is a build failure.
*/
package sandbox

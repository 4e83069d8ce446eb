// Package allocator derives the concrete runtime plan for a cluster from its
// configuration.
//
// Resolve assigns pairwise distinct ports (explicit ports first, then
// ephemeral ports probed from the operating system, re-probing on
// collision), translates memory settings, renders command arguments and
// environments, and lays out one directory per process under the root:
//
//	<root>/site.properties
//	<root>/coordination-0/zoo.cfg
//	<root>/manager-0/
//	<root>/storage-server-0/
//	<root>/storage-server-1/
//
// Allocation is a planning phase: it creates directories and configuration
// files but never binds ports or spawns processes. A failed Resolve removes
// everything it created, so it can be retried after remediation. A root
// that already has entries is rejected with ErrRootInUse; directory
// occupancy is what keeps two clusters from sharing a root.
package allocator

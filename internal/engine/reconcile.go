package engine

import "github.com/loomworks/loom/internal/engine/logstore"

// reconcileEntries merges the optimistic in-memory copy of a thread's log
// with a durable snapshot read back from the store. The snapshot replaces
// the local copy only when the local entry-id sequence is cleanly
// contained in it (a prefix or suffix) and the reverse does not hold; on
// equality or any divergence the local copy stays.
func reconcileEntries(local, snapshot []logstore.Entry) []logstore.Entry {
	localIDs := entryIDs(local)
	snapIDs := entryIDs(snapshot)

	snapContainsLocal := isPrefixOrSuffix(localIDs, snapIDs)
	localContainsSnap := isPrefixOrSuffix(snapIDs, localIDs)
	if snapContainsLocal && !localContainsSnap {
		return snapshot
	}
	return local
}

func entryIDs(entries []logstore.Entry) []string {
	ids := make([]string, len(entries))
	for i := range entries {
		ids[i] = entries[i].EntryID
	}
	return ids
}

// isPrefixOrSuffix reports whether sub appears as a leading or trailing
// run of full. An empty sub is contained in anything.
func isPrefixOrSuffix(sub, full []string) bool {
	if len(sub) > len(full) {
		return false
	}
	prefix := true
	for i := range sub {
		if sub[i] != full[i] {
			prefix = false
			break
		}
	}
	if prefix {
		return true
	}
	off := len(full) - len(sub)
	for i := range sub {
		if sub[i] != full[off+i] {
			return false
		}
	}
	return true
}

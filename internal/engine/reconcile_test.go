package engine

import (
	"strings"
	"testing"

	"github.com/loomworks/loom/internal/engine/logstore"
)

func entriesWithIDs(ids ...string) []logstore.Entry {
	out := make([]logstore.Entry, len(ids))
	for i, id := range ids {
		out[i] = logstore.Entry{EntryID: id, Kind: logstore.KindAgentItem}
	}
	return out
}

func joinIDs(entries []logstore.Entry) string {
	return strings.Join(entryIDs(entries), ",")
}

func TestReconcileEntries(t *testing.T) {
	cases := []struct {
		name     string
		local    []string
		snapshot []string
		want     []string
	}{
		{"snapshot extends local", []string{"a", "b"}, []string{"a", "b", "c"}, []string{"a", "b", "c"}},
		{"local extends snapshot", []string{"a", "b", "c"}, []string{"a", "b"}, []string{"a", "b", "c"}},
		{"equal keeps local", []string{"a", "b"}, []string{"a", "b"}, []string{"a", "b"}},
		{"divergent keeps local", []string{"a", "x"}, []string{"a", "b", "c"}, []string{"a", "x"}},
		{"empty local adopts snapshot", nil, []string{"a"}, []string{"a"}},
		{"empty snapshot keeps local", []string{"a"}, nil, []string{"a"}},
		{"local suffix of snapshot", []string{"b", "c"}, []string{"a", "b", "c"}, []string{"a", "b", "c"}},
		{"middle run keeps local", []string{"b"}, []string{"a", "b", "c"}, []string{"b"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := reconcileEntries(entriesWithIDs(tc.local...), entriesWithIDs(tc.snapshot...))
			if joinIDs(got) != strings.Join(tc.want, ",") {
				t.Fatalf("got [%s] want [%s]", joinIDs(got), strings.Join(tc.want, ","))
			}
		})
	}
}

func TestIsPrefixOrSuffix(t *testing.T) {
	if !isPrefixOrSuffix(nil, []string{"a"}) {
		t.Fatalf("empty slice is contained in anything")
	}
	if isPrefixOrSuffix([]string{"a", "b"}, []string{"a"}) {
		t.Fatalf("longer slice cannot be contained")
	}
	if isPrefixOrSuffix([]string{"a", "c"}, []string{"a", "b", "c"}) {
		t.Fatalf("interleaved ids are not a prefix or suffix")
	}
}

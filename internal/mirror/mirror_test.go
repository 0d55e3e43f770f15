package mirror

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/calmofthestorm/recursive-remote/internal/dvcs"
	"github.com/calmofthestorm/recursive-remote/internal/dvcs/dvcstest"
	"github.com/calmofthestorm/recursive-remote/internal/objectgraph"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func newPairedMirror(t *testing.T, branch string) (*Mirror, *dvcstest.Fake) {
	t.Helper()
	local := dvcstest.New()
	upstream := dvcstest.New()
	local.Pair(remoteName, upstream)
	return newMirror(local, branch, testLog()), upstream
}

func TestFetchTipEmptyUpstream(t *testing.T) {
	m, _ := newPairedMirror(t, "main")
	ctx := context.Background()

	tip, framed, err := m.FetchTip(ctx)
	if err != nil {
		t.Fatalf("FetchTip: %v", err)
	}
	if tip != "" || framed != nil {
		t.Fatalf("expected empty tip/framed for nonexistent branch, got %q / %v", tip, framed)
	}
}

func TestCommitGenerationAndPushThenFetch(t *testing.T) {
	m, upstream := newPairedMirror(t, "main")
	ctx := context.Background()

	sealedState := []byte("sealed-state-bytes-v1")
	gen := Generation{
		Entries: []dvcs.TreeEntry{{Path: statePath, Data: sealedState}},
		Message: "generation 1",
	}
	tip, err := m.CommitGeneration(ctx, "", gen)
	if err != nil {
		t.Fatalf("CommitGeneration: %v", err)
	}

	result, err := m.PushTip(ctx, tip)
	if err != nil {
		t.Fatalf("PushTip: %v", err)
	}
	if result != PushOK {
		t.Fatalf("expected PushOK, got %v", result)
	}
	if m.CurrentTip() != tip {
		t.Fatalf("CurrentTip() = %q, want %q", m.CurrentTip(), tip)
	}

	if _, err := upstream.ResolveRef(ctx, "refs/heads/main"); err != nil {
		t.Fatalf("expected upstream to have refs/heads/main after push: %v", err)
	}

	// A fresh mirror fetching from the same upstream should see the pushed
	// generation's sealed state.
	other := dvcstest.New()
	other.Pair(remoteName, upstream)
	m2 := newMirror(other, "main", testLog())

	fetchedTip, framed, err := m2.FetchTip(ctx)
	if err != nil {
		t.Fatalf("FetchTip: %v", err)
	}
	if fetchedTip != tip {
		t.Fatalf("fetched tip %q, want %q", fetchedTip, tip)
	}
	if string(framed) != string(sealedState) {
		t.Fatalf("fetched state %q, want %q", framed, sealedState)
	}
}

func TestPushTipNonFastForward(t *testing.T) {
	m, upstream := newPairedMirror(t, "main")
	ctx := context.Background()

	gen1 := Generation{Entries: []dvcs.TreeEntry{{Path: statePath, Data: []byte("v1")}}}
	tip1, err := m.CommitGeneration(ctx, "", gen1)
	if err != nil {
		t.Fatalf("CommitGeneration 1: %v", err)
	}
	if result, err := m.PushTip(ctx, tip1); err != nil || result != PushOK {
		t.Fatalf("push 1: result=%v err=%v", result, err)
	}

	// A second, unrelated mirror pushes its own generation first, moving
	// upstream's main ahead of what the first mirror has locally.
	other := dvcstest.New()
	other.Pair(remoteName, upstream)
	m2 := newMirror(other, "main", testLog())
	if _, _, err := m2.FetchTip(ctx); err != nil {
		t.Fatalf("m2 FetchTip: %v", err)
	}
	gen2 := Generation{Entries: []dvcs.TreeEntry{{Path: statePath, Data: []byte("v2")}}}
	tip2, err := m2.CommitGeneration(ctx, tip1, gen2)
	if err != nil {
		t.Fatalf("CommitGeneration 2: %v", err)
	}
	if result, err := m2.PushTip(ctx, tip2); err != nil || result != PushOK {
		t.Fatalf("push 2: result=%v err=%v", result, err)
	}

	// Original mirror, still at tip1, now tries to push a divergent
	// generation without re-fetching: must be rejected.
	staleGen := Generation{Entries: []dvcs.TreeEntry{{Path: statePath, Data: []byte("v1-conflict")}}}
	staleTip, err := m.CommitGeneration(ctx, tip1, staleGen)
	if err != nil {
		t.Fatalf("CommitGeneration stale: %v", err)
	}
	result, err := m.PushTip(ctx, staleTip)
	if err != nil {
		t.Fatalf("PushTip stale: unexpected transport error: %v", err)
	}
	if result != PushNonFastForward {
		t.Fatalf("expected PushNonFastForward, got %v", result)
	}
}

func TestLastTrustedStateRoundTrip(t *testing.T) {
	m, _ := newPairedMirror(t, "main")
	ctx := context.Background()

	addr, err := m.LastTrustedState(ctx)
	if err != nil {
		t.Fatalf("LastTrustedState (unset): %v", err)
	}
	if !addr.IsZero() {
		t.Fatalf("expected zero address before first persist, got %s", addr)
	}

	want := objectgraph.AddressOf([]byte("some state record"))
	if err := m.PersistTrustedState(ctx, want); err != nil {
		t.Fatalf("PersistTrustedState: %v", err)
	}
	got, err := m.LastTrustedState(ctx)
	if err != nil {
		t.Fatalf("LastTrustedState (set): %v", err)
	}
	if got != want {
		t.Fatalf("LastTrustedState = %s, want %s", got, want)
	}
}

func TestReadNamespaceBlobAtFixedPaths(t *testing.T) {
	m, _ := newPairedMirror(t, "main")
	ctx := context.Background()

	packAddr := objectgraph.AddressOf([]byte("pack bytes"))
	packToken := packAddr.String()
	nsBytes := []byte("sealed namespace record")
	packBytes := []byte("sealed pack bytes")

	gen := Generation{Entries: []dvcs.TreeEntry{
		{Path: statePath, Data: []byte("state")},
		{Path: blobPath("ns", "", KindNamespaceRecord), Data: nsBytes},
		{Path: blobPath("ns", packToken, KindPack), Data: packBytes},
	}}
	tip, err := m.CommitGeneration(ctx, "", gen)
	if err != nil {
		t.Fatalf("CommitGeneration: %v", err)
	}

	gotNS, err := m.ReadNamespaceBlobAt(ctx, tip, "ns", "", KindNamespaceRecord)
	if err != nil {
		t.Fatalf("ReadNamespaceBlobAt (namespace): %v", err)
	}
	if string(gotNS) != string(nsBytes) {
		t.Fatalf("namespace blob = %q, want %q", gotNS, nsBytes)
	}

	gotPack, err := m.ReadNamespaceBlobAt(ctx, tip, "ns", packToken, KindPack)
	if err != nil {
		t.Fatalf("ReadNamespaceBlobAt (pack): %v", err)
	}
	if string(gotPack) != string(packBytes) {
		t.Fatalf("pack blob = %q, want %q", gotPack, packBytes)
	}

	gotState, err := m.ReadStateAt(ctx, tip)
	if err != nil {
		t.Fatalf("ReadStateAt: %v", err)
	}
	if string(gotState) != "state" {
		t.Fatalf("state blob = %q, want %q", gotState, "state")
	}
}

func TestCommitAncestorsWalksParentChain(t *testing.T) {
	m, _ := newPairedMirror(t, "main")
	ctx := context.Background()

	tip1, err := m.CommitGeneration(ctx, "", Generation{Entries: []dvcs.TreeEntry{{Path: statePath, Data: []byte("v1")}}})
	if err != nil {
		t.Fatalf("gen 1: %v", err)
	}
	tip2, err := m.CommitGeneration(ctx, tip1, Generation{Entries: []dvcs.TreeEntry{{Path: statePath, Data: []byte("v2")}}})
	if err != nil {
		t.Fatalf("gen 2: %v", err)
	}
	tip3, err := m.CommitGeneration(ctx, tip2, Generation{Entries: []dvcs.TreeEntry{{Path: statePath, Data: []byte("v3")}}})
	if err != nil {
		t.Fatalf("gen 3: %v", err)
	}

	var seen []dvcs.WeakHash
	err = m.CommitAncestors(ctx, tip3, func(h dvcs.WeakHash) (bool, error) {
		seen = append(seen, h)
		return true, nil
	})
	if err != nil {
		t.Fatalf("CommitAncestors: %v", err)
	}
	want := []dvcs.WeakHash{tip3, tip2, tip1}
	if len(seen) != len(want) {
		t.Fatalf("walked %d commits, want %d: %v", len(seen), len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

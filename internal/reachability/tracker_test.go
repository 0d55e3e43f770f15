package reachability

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/calmofthestorm/recursive-remote/internal/dvcs"
	"github.com/calmofthestorm/recursive-remote/internal/dvcs/dvcstest"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func newTestTracker(t *testing.T) (*Tracker, *dvcstest.Fake) {
	t.Helper()
	repo := dvcstest.New()
	tr, err := newTracker(repo, 16, testLog())
	if err != nil {
		t.Fatalf("newTracker: %v", err)
	}
	return tr, repo
}

func TestIsFastForwardCreation(t *testing.T) {
	tr, _ := newTestTracker(t)
	ok, err := tr.IsFastForward(context.Background(), "", "anything")
	if err != nil {
		t.Fatalf("IsFastForward: %v", err)
	}
	if !ok {
		t.Fatalf("ref creation (old == \"\") must always be a fast-forward")
	}
}

func TestIsFastForwardAncestry(t *testing.T) {
	tr, repo := newTestTracker(t)
	ctx := context.Background()

	old, err := repo.CommitTree(ctx, "", []dvcs.TreeEntry{{Path: "f", Data: []byte("v1")}}, "c1")
	if err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	new, err := repo.CommitTree(ctx, old, []dvcs.TreeEntry{{Path: "f", Data: []byte("v2")}}, "c2")
	if err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	ok, err := tr.IsFastForward(ctx, old, new)
	if err != nil {
		t.Fatalf("IsFastForward: %v", err)
	}
	if !ok {
		t.Fatalf("expected fast-forward from parent to child")
	}

	ok, err = tr.IsFastForward(ctx, new, old)
	if err != nil {
		t.Fatalf("IsFastForward (reversed): %v", err)
	}
	if ok {
		t.Fatalf("expected non-fast-forward from child to parent")
	}
}

func TestIsFastForwardUnknownCommit(t *testing.T) {
	tr, _ := newTestTracker(t)
	ok, err := tr.IsFastForward(context.Background(), "deadbeef", "cafef00d")
	if err != nil {
		t.Fatalf("IsFastForward: %v", err)
	}
	if ok {
		t.Fatalf("unknown commits must not be treated as a fast-forward")
	}
}

func TestPlanPushEmptyWhenAlreadyPresent(t *testing.T) {
	tr, repo := newTestTracker(t)
	ctx := context.Background()

	tip, err := repo.CommitTree(ctx, "", []dvcs.TreeEntry{{Path: "f", Data: []byte("v1")}}, "c1")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	revset, empty, err := tr.PlanPush(ctx, []dvcs.WeakHash{tip}, []dvcs.WeakHash{tip}, nil)
	if err != nil {
		t.Fatalf("PlanPush: %v", err)
	}
	if !empty {
		t.Fatalf("expected empty revset when new tip already present upstream")
	}
	if len(revset.Include) != 1 || revset.Include[0] != tip {
		t.Fatalf("unexpected include set: %v", revset.Include)
	}
}

func TestPlanPushNonEmptyForNewCommit(t *testing.T) {
	tr, repo := newTestTracker(t)
	ctx := context.Background()

	base, err := repo.CommitTree(ctx, "", []dvcs.TreeEntry{{Path: "f", Data: []byte("v1")}}, "c1")
	if err != nil {
		t.Fatalf("commit base: %v", err)
	}
	newTip, err := repo.CommitTree(ctx, base, []dvcs.TreeEntry{{Path: "f", Data: []byte("v2")}}, "c2")
	if err != nil {
		t.Fatalf("commit new: %v", err)
	}

	revset, empty, err := tr.PlanPush(ctx, []dvcs.WeakHash{newTip}, []dvcs.WeakHash{base}, nil)
	if err != nil {
		t.Fatalf("PlanPush: %v", err)
	}
	if empty {
		t.Fatalf("expected non-empty revset: newTip is not in the exclude closure")
	}
	if len(revset.Exclude) != 1 || revset.Exclude[0] != base {
		t.Fatalf("unexpected exclude set: %v", revset.Exclude)
	}
}

func TestPlanPushHonorsShallowBasis(t *testing.T) {
	tr, repo := newTestTracker(t)
	ctx := context.Background()

	tip, err := repo.CommitTree(ctx, "", []dvcs.TreeEntry{{Path: "f", Data: []byte("v1")}}, "c1")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	repo.SetRef("refs/heads/shallow-basis", tip)

	_, empty, err := tr.PlanPush(ctx, []dvcs.WeakHash{tip}, nil, []string{"refs/heads/shallow-basis"})
	if err != nil {
		t.Fatalf("PlanPush: %v", err)
	}
	if !empty {
		t.Fatalf("expected empty revset: new tip equals the shallow basis cut point")
	}
}

func TestCoveredAndAllCovered(t *testing.T) {
	tr, repo := newTestTracker(t)
	ctx := context.Background()

	tip, err := repo.CommitTree(ctx, "", []dvcs.TreeEntry{{Path: "f", Data: []byte("v1")}}, "c1")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	covered, err := tr.Covered(ctx, tip, nil)
	if err != nil {
		t.Fatalf("Covered: %v", err)
	}
	if !covered {
		t.Fatalf("a commit present in the tracker's own store must be covered")
	}

	covered, err = tr.Covered(ctx, "never-seen", nil)
	if err != nil {
		t.Fatalf("Covered (unseen): %v", err)
	}
	if covered {
		t.Fatalf("an unseen commit must not be covered")
	}

	all, err := tr.AllCovered(ctx, []dvcs.WeakHash{tip, "never-seen"}, nil)
	if err != nil {
		t.Fatalf("AllCovered: %v", err)
	}
	if all {
		t.Fatalf("AllCovered must be false when any tip is uncovered")
	}
}

func TestCoveredIgnoresUnresolvableShallowBasis(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	covered, err := tr.Covered(ctx, "boundary-commit", []string{"refs/heads/shallow"})
	if err != nil {
		t.Fatalf("Covered: %v", err)
	}
	if covered {
		t.Fatalf("shallow basis ref not yet resolvable must not mark the tip covered")
	}
}

func TestVerifyObjectClosureAcceptsPresentHistory(t *testing.T) {
	tr, repo := newTestTracker(t)
	ctx := context.Background()

	base, err := repo.CommitTree(ctx, "", []dvcs.TreeEntry{{Path: "f", Data: []byte("v1")}}, "c1")
	if err != nil {
		t.Fatalf("commit base: %v", err)
	}
	tip, err := repo.CommitTree(ctx, base, []dvcs.TreeEntry{{Path: "f", Data: []byte("v2")}}, "c2")
	if err != nil {
		t.Fatalf("commit tip: %v", err)
	}

	if err := tr.VerifyObjectClosure(ctx, tip, nil); err != nil {
		t.Fatalf("VerifyObjectClosure: %v", err)
	}
}

func TestVerifyObjectClosureHonorsShallowBasis(t *testing.T) {
	tr, repo := newTestTracker(t)
	ctx := context.Background()

	base, err := repo.CommitTree(ctx, "", []dvcs.TreeEntry{{Path: "f", Data: []byte("v1")}}, "c1")
	if err != nil {
		t.Fatalf("commit base: %v", err)
	}
	repo.SetRef("refs/heads/base", base)
	tip, err := repo.CommitTree(ctx, base, []dvcs.TreeEntry{{Path: "f", Data: []byte("v2")}}, "c2")
	if err != nil {
		t.Fatalf("commit tip: %v", err)
	}

	if err := tr.VerifyObjectClosure(ctx, tip, []string{"refs/heads/base"}); err != nil {
		t.Fatalf("VerifyObjectClosure: %v", err)
	}
}

func TestAbsorbPullsHistoryFromSource(t *testing.T) {
	tr, trackerRepo := newTestTracker(t)
	source := dvcstest.New()
	ctx := context.Background()

	tip, err := source.CommitTree(ctx, "", []dvcs.TreeEntry{{Path: "f", Data: []byte("v1")}}, "c1")
	if err != nil {
		t.Fatalf("source commit: %v", err)
	}
	source.SetRef("refs/heads/main", tip)
	trackerRepo.Pair("caller", source)

	absorbed, err := tr.Absorb(ctx, "/irrelevant/path", "caller", "main")
	if err != nil {
		t.Fatalf("Absorb: %v", err)
	}
	if absorbed != tip {
		t.Fatalf("Absorb returned %q, want %q", absorbed, tip)
	}

	isCommit, err := trackerRepo.IsCommit(ctx, tip)
	if err != nil {
		t.Fatalf("IsCommit: %v", err)
	}
	if !isCommit {
		t.Fatalf("expected absorbed commit to be present in the tracker's own store")
	}
}

package optimistic

import (
	"context"
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"lostfound/pkg/drafts"
	"lostfound/pkg/drafts/memdb"
	"lostfound/pkg/models"
	"lostfound/pkg/remote/remotetest"
	"lostfound/pkg/state"
)

const testItem = "umbrella-3"

var (
	alice = models.User{ID: "alice", Name: "Alice"}
	bob   = models.User{ID: "bob", Name: "Bob"}
	mod   = models.User{ID: "mod", Name: "Moderator", Moderator: true}
)

func TestMain(m *testing.M) {
	log.SetLevel(log.PanicLevel)
	os.Exit(m.Run())
}

type fixture struct {
	st     *state.State
	svc    *remotetest.Store
	drafts *memdb.Store
	m      *Manager
}

func newFixture(t *testing.T, seed ...models.Comment) *fixture {
	t.Helper()

	st := state.New()
	st.Update(func(tx *state.Tx) {
		for _, c := range seed {
			tx.Total += tx.Tree.Ingest(c)
		}
		tx.Status = state.StatusReady
	})

	f := &fixture{
		st:     st,
		svc:    remotetest.New(),
		drafts: memdb.New(),
	}
	f.m = NewManager(st, f.svc, nil, Config{ItemID: testItem, Timeout: 5 * time.Second, Drafts: f.drafts})

	return f
}

func wait(t *testing.T, op *Op) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	select {
	case <-op.Done():
	case <-ctx.Done():
		t.Fatalf("op %v did not settle", op.Target)
	}
	return op.Err()
}

func TestManager_CreateTopLevel(t *testing.T) {
	f := newFixture(t)

	op, err := f.m.Create(context.Background(), alice, models.ID{}, "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := f.st.Snapshot()
	if snap.TotalCount != 1 || len(snap.Comments) != 1 {
		t.Fatalf("want one comment and total 1, got %+v", snap)
	}
	got := snap.Comments[0]
	if !got.Pending || !got.ID.Pending || got.Body != "hello" || got.AuthorID != alice.ID {
		t.Errorf("unexpected pending comment %+v", got)
	}
	if op.State() != StateApplying {
		t.Errorf("want state %s, got %s", StateApplying, op.State())
	}

	call := f.svc.Expect(t, remotetest.MethodAddComment)
	if call.ItemID != testItem || call.UserID != alice.ID || call.Body != "hello" || !call.ParentID.IsZero() {
		t.Errorf("unexpected call %+v", call)
	}
	call.Return(models.Comment{ID: models.ServerID(42), Body: "hello", AuthorID: alice.ID})

	if err := wait(t, op); err != nil {
		t.Fatalf("unexpected op error: %v", err)
	}
	f.m.Wait()

	snap = f.st.Snapshot()
	if snap.TotalCount != 1 || len(snap.Comments) != 1 {
		t.Fatalf("want one comment and total 1, got %+v", snap)
	}
	got = snap.Comments[0]
	if got.ID != models.ServerID(42) || got.Pending || got.Body != "hello" {
		t.Errorf("unexpected confirmed comment %+v", got)
	}
	if op.State() != StateConfirmed {
		t.Errorf("want state %s, got %s", StateConfirmed, op.State())
	}
	if op.Result() != models.ServerID(42) {
		t.Errorf("want result 42, got %v", op.Result())
	}
}

func TestManager_CreateReply(t *testing.T) {
	f := newFixture(t, models.Comment{ID: models.ServerID(5), AuthorID: bob.ID, Body: "lost my keys"})

	op, err := f.m.Create(context.Background(), alice, models.ServerID(5), "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := f.st.Snapshot()
	if snap.TotalCount != 2 {
		t.Errorf("want total 2, got %d", snap.TotalCount)
	}
	replies := snap.Comments[0].Replies
	if len(replies) != 1 {
		t.Fatalf("want 1 reply, got %d", len(replies))
	}
	if !replies[0].ID.Pending || replies[0].Body != "hi" || replies[0].ParentID != models.ServerID(5) {
		t.Errorf("unexpected pending reply %+v", replies[0])
	}

	call := f.svc.Expect(t, remotetest.MethodAddComment)
	if call.ParentID != models.ServerID(5) {
		t.Errorf("want parent 5, got %v", call.ParentID)
	}
	call.Return(models.Comment{ID: models.ServerID(77), Body: "hi"})
	wait(t, op)
	f.m.Wait()

	replies = f.st.Snapshot().Comments[0].Replies
	if len(replies) != 1 || replies[0].ID != models.ServerID(77) || replies[0].Pending {
		t.Errorf("unexpected confirmed replies %+v", replies)
	}
}

func TestManager_CreateReplyToReplyFlattens(t *testing.T) {
	f := newFixture(t, models.Comment{
		ID:      models.ServerID(1),
		Replies: []models.Comment{{ID: models.ServerID(4), Body: "seen it"}},
	})

	op, err := f.m.Create(context.Background(), alice, models.ServerID(4), "where?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	replies := f.st.Snapshot().Comments[0].Replies
	if len(replies) != 2 {
		t.Fatalf("want 2 replies, got %d", len(replies))
	}
	for _, r := range replies {
		if len(r.Replies) != 0 {
			t.Errorf("reply %v carries replies", r.ID)
		}
	}

	call := f.svc.Expect(t, remotetest.MethodAddComment)
	if call.ParentID != models.ServerID(1) {
		t.Errorf("want parent 1, got %v", call.ParentID)
	}
	call.Fail(remotetest.ErrInjected)
	wait(t, op)
}

func TestManager_CreateRollback(t *testing.T) {
	f := newFixture(t,
		models.Comment{
			ID:       models.ServerID(1),
			AuthorID: bob.ID,
			Body:     "black umbrella found",
			Replies:  []models.Comment{{ID: models.ServerID(4), AuthorID: alice.ID, Body: "mine!"}},
		},
		models.Comment{ID: models.ServerID(2), AuthorID: bob.ID, Body: "green scarf"},
	)
	before := f.st.Snapshot()

	top, err := f.m.Create(context.Background(), alice, models.ID{}, "top")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reply, err := f.m.Create(context.Background(), alice, models.ServerID(1), "reply")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.st.Snapshot().TotalCount; got != before.TotalCount+2 {
		t.Errorf("want total %d, got %d", before.TotalCount+2, got)
	}

	f.svc.Expect(t, remotetest.MethodAddComment).Fail(remotetest.ErrInjected)
	f.svc.Expect(t, remotetest.MethodAddComment).Fail(remotetest.ErrInjected)
	wait(t, top)
	wait(t, reply)
	f.m.Wait()

	after := f.st.Snapshot()
	if !reflect.DeepEqual(after.Comments, before.Comments) {
		t.Errorf("want tree\n%+v\n\ngot tree\n%+v\n", before.Comments, after.Comments)
	}
	if after.TotalCount != before.TotalCount {
		t.Errorf("want total %d, got %d", before.TotalCount, after.TotalCount)
	}

	for _, op := range []*Op{top, reply} {
		if op.State() != StateRolledBack {
			t.Errorf("want state %s, got %s", StateRolledBack, op.State())
		}
		if !errors.Is(op.Err(), remotetest.ErrInjected) {
			t.Errorf("want error %v, got %v", remotetest.ErrInjected, op.Err())
		}
	}
	if top.Draft() != "top" {
		t.Errorf("want draft %q, got %q", "top", top.Draft())
	}

	d, err := f.drafts.Draft(context.Background(), models.DraftKey{ItemID: testItem, ParentID: models.ServerID(1), UserID: alice.ID})
	if err != nil {
		t.Fatalf("unexpected error reading draft: %v", err)
	}
	if d.Body != "reply" {
		t.Errorf("want draft body %q, got %q", "reply", d.Body)
	}
}

func TestManager_CreateClearsDraft(t *testing.T) {
	f := newFixture(t)
	key := models.DraftKey{ItemID: testItem, UserID: alice.ID}
	f.drafts.SaveDraft(context.Background(), models.Draft{Key: key, Body: "earlier attempt"})

	op, _ := f.m.Create(context.Background(), alice, models.ID{}, "earlier attempt")
	f.svc.Expect(t, remotetest.MethodAddComment).Return(models.Comment{ID: models.ServerID(8)})
	wait(t, op)
	f.m.Wait()

	if _, err := f.drafts.Draft(context.Background(), key); !errors.Is(err, drafts.ErrDraftNotFound) {
		t.Errorf("want error %v, got %v", drafts.ErrDraftNotFound, err)
	}
}

func TestManager_CreateUniqueIDs(t *testing.T) {
	const n = 25
	f := newFixture(t, models.Comment{ID: models.ServerID(1)})

	var wg sync.WaitGroup
	ops := make(chan *Op, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			op, err := f.m.Create(context.Background(), alice, models.ID{}, "same text")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			ops <- op
		}()
	}
	wg.Wait()
	close(ops)

	snap := f.st.Snapshot()
	if len(snap.Comments) != n+1 || snap.TotalCount != n+1 {
		t.Fatalf("want %d comments, got %d (total %d)", n+1, len(snap.Comments), snap.TotalCount)
	}
	seen := make(map[models.ID]bool)
	for _, c := range snap.Comments {
		if seen[c.ID] {
			t.Fatalf("duplicate id %v", c.ID)
		}
		seen[c.ID] = true
	}

	for i := 0; i < n; i++ {
		f.svc.Expect(t, remotetest.MethodAddComment).Return(models.Comment{ID: models.ServerID(int64(100 + i))})
	}
	for op := range ops {
		wait(t, op)
	}
	f.m.Wait()

	snap = f.st.Snapshot()
	seen = make(map[models.ID]bool)
	for _, c := range snap.Comments {
		if c.Pending || c.ID.Pending {
			t.Errorf("comment %v still pending", c.ID)
		}
		if seen[c.ID] {
			t.Fatalf("duplicate id %v", c.ID)
		}
		seen[c.ID] = true
	}
	if snap.TotalCount != n+1 {
		t.Errorf("want total %d, got %d", n+1, snap.TotalCount)
	}
}

func TestManager_CreateConfirmAfterReload(t *testing.T) {
	f := newFixture(t)

	op, _ := f.m.Create(context.Background(), alice, models.ID{}, "hello")
	call := f.svc.Expect(t, remotetest.MethodAddComment)

	f.st.Update(func(tx *state.Tx) {
		tx.Tree.Reset()
		tx.Total = 0
		tx.Total += tx.Tree.Ingest(models.Comment{ID: models.ServerID(9)})
	})

	call.Return(models.Comment{ID: models.ServerID(42)})
	wait(t, op)
	f.m.Wait()

	snap := f.st.Snapshot()
	if len(snap.Comments) != 1 || snap.Comments[0].ID != models.ServerID(9) || snap.TotalCount != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestManager_CreateConfirmAlreadyFetched(t *testing.T) {
	f := newFixture(t)

	op, _ := f.m.Create(context.Background(), alice, models.ID{}, "hello")
	call := f.svc.Expect(t, remotetest.MethodAddComment)

	f.st.Update(func(tx *state.Tx) {
		tx.Total += tx.Tree.Ingest(models.Comment{ID: models.ServerID(42), Body: "hello"})
	})

	call.Return(models.Comment{ID: models.ServerID(42), Body: "hello"})
	wait(t, op)
	f.m.Wait()

	snap := f.st.Snapshot()
	if len(snap.Comments) != 1 || snap.Comments[0].ID != models.ServerID(42) || snap.TotalCount != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestManager_CreateRejected(t *testing.T) {
	f := newFixture(t, models.Comment{ID: models.ServerID(1)})

	op, _ := f.m.Create(context.Background(), alice, models.ID{}, "first")
	pendingID := op.Target

	tests := []struct {
		name   string
		parent models.ID
		want   error
	}{
		{name: "reply to pending", parent: pendingID, want: ErrPending},
		{name: "unknown parent", parent: models.ServerID(99), want: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.Create(context.Background(), alice, tt.parent, "reply")
			if !errors.Is(err, tt.want) {
				t.Errorf("want error %v, got %v", tt.want, err)
			}
		})
	}

	f.svc.Expect(t, remotetest.MethodAddComment).Succeed()
	wait(t, op)
	f.m.Wait()
	f.svc.Idle(t)
}

func TestManager_CreateWithoutServerID(t *testing.T) {
	f := newFixture(t)

	op, _ := f.m.Create(context.Background(), alice, models.ID{}, "hello")
	f.svc.Expect(t, remotetest.MethodAddComment).Succeed()

	if err := wait(t, op); !errors.Is(err, models.ErrInvalidID) {
		t.Errorf("want error %v, got %v", models.ErrInvalidID, err)
	}
	f.m.Wait()
	if snap := f.st.Snapshot(); len(snap.Comments) != 0 || snap.TotalCount != 0 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestManager_Edit(t *testing.T) {
	f := newFixture(t, models.Comment{ID: models.ServerID(1), AuthorID: alice.ID, Body: "old"})

	op, err := f.m.Edit(context.Background(), alice, models.ServerID(1), "new")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := f.st.Snapshot().Comments[0]
	if got.Body != "new" || !got.Pending {
		t.Errorf("unexpected edited comment %+v", got)
	}

	if _, err := f.m.Edit(context.Background(), alice, models.ServerID(1), "newer"); !errors.Is(err, ErrPending) {
		t.Errorf("want error %v, got %v", ErrPending, err)
	}
	if _, err := f.m.Delete(context.Background(), alice, models.ServerID(1)); !errors.Is(err, ErrPending) {
		t.Errorf("want error %v, got %v", ErrPending, err)
	}

	call := f.svc.Expect(t, remotetest.MethodUpdateComment)
	if call.ID != models.ServerID(1) || call.Body != "new" {
		t.Errorf("unexpected call %+v", call)
	}
	call.Succeed()
	if err := wait(t, op); err != nil {
		t.Fatalf("unexpected op error: %v", err)
	}
	f.m.Wait()

	got = f.st.Snapshot().Comments[0]
	if got.Body != "new" || got.Pending {
		t.Errorf("unexpected confirmed comment %+v", got)
	}

	op, err = f.m.Edit(context.Background(), alice, models.ServerID(1), "newest")
	if err != nil {
		t.Fatalf("want edit allowed after confirmation, got %v", err)
	}
	f.svc.Expect(t, remotetest.MethodUpdateComment).Succeed()
	wait(t, op)
}

func TestManager_EditRollback(t *testing.T) {
	f := newFixture(t, models.Comment{
		ID:       models.ServerID(1),
		AuthorID: bob.ID,
		Body:     "found keys",
		Replies:  []models.Comment{{ID: models.ServerID(4), AuthorID: alice.ID, Body: "old"}},
	})
	before := f.st.Snapshot()

	op, err := f.m.Edit(context.Background(), alice, models.ServerID(4), "new")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.svc.Expect(t, remotetest.MethodUpdateComment).Fail(remotetest.ErrInjected)
	wait(t, op)
	f.m.Wait()

	after := f.st.Snapshot()
	if !reflect.DeepEqual(after.Comments, before.Comments) {
		t.Errorf("want tree\n%+v\n\ngot tree\n%+v\n", before.Comments, after.Comments)
	}
	if op.State() != StateRolledBack {
		t.Errorf("want state %s, got %s", StateRolledBack, op.State())
	}
}

func TestManager_EditForbidden(t *testing.T) {
	f := newFixture(t, models.Comment{ID: models.ServerID(1), AuthorID: alice.ID, Body: "old"})

	_, err := f.m.Edit(context.Background(), bob, models.ServerID(1), "new")
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("want error %v, got %v", ErrForbidden, err)
	}
	_, err = f.m.Edit(context.Background(), mod, models.ServerID(1), "new")
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("want moderators unable to edit, got %v", err)
	}
	f.svc.Idle(t)
}

func TestManager_Delete(t *testing.T) {
	tests := []struct {
		name      string
		fail      bool
		wantState OpState
	}{
		{name: "confirmed", wantState: StateConfirmed},
		{name: "failed", fail: true, wantState: StateDiverged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t,
				models.Comment{ID: models.ServerID(1), AuthorID: bob.ID},
				models.Comment{ID: models.ServerID(2), AuthorID: alice.ID},
				models.Comment{ID: models.ServerID(3), AuthorID: bob.ID},
			)

			op, err := f.m.Delete(context.Background(), alice, models.ServerID(2))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			want := []models.ID{models.ServerID(1), models.ServerID(3)}
			check := func() {
				t.Helper()
				snap := f.st.Snapshot()
				var got []models.ID
				for _, c := range snap.Comments {
					got = append(got, c.ID)
				}
				if !reflect.DeepEqual(got, want) {
					t.Errorf("want ids %v, got %v", want, got)
				}
				if snap.TotalCount != 2 {
					t.Errorf("want total 2, got %d", snap.TotalCount)
				}
			}
			check()

			call := f.svc.Expect(t, remotetest.MethodDeleteComment)
			if tt.fail {
				call.Fail(remotetest.ErrInjected)
			} else {
				call.Succeed()
			}
			wait(t, op)
			f.m.Wait()

			check()
			if op.State() != tt.wantState {
				t.Errorf("want state %s, got %s", tt.wantState, op.State())
			}
			if tt.fail && !errors.Is(op.Err(), remotetest.ErrInjected) {
				t.Errorf("want error %v, got %v", remotetest.ErrInjected, op.Err())
			}
		})
	}
}

func TestManager_DeleteWithReplies(t *testing.T) {
	f := newFixture(t, models.Comment{
		ID:       models.ServerID(1),
		AuthorID: alice.ID,
		Replies: []models.Comment{
			{ID: models.ServerID(4), AuthorID: bob.ID},
			{ID: models.ServerID(5), AuthorID: bob.ID},
		},
	})

	op, err := f.m.Delete(context.Background(), alice, models.ServerID(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap := f.st.Snapshot(); len(snap.Comments) != 0 || snap.TotalCount != 0 {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	call := f.svc.Expect(t, remotetest.MethodDeleteComment)
	f.st.Read(func(*state.Tx) {
		for _, id := range []models.ID{models.ServerID(1), models.ServerID(4), models.ServerID(5)} {
			if !f.m.Deleting(id) {
				t.Errorf("want %v reported as deleting", id)
			}
		}
		if roots, records := f.m.DeletingCount(); roots != 1 || records != 3 {
			t.Errorf("want 1 root and 3 records deleting, got %d and %d", roots, records)
		}
	})

	call.Succeed()
	wait(t, op)

	f.st.Read(func(*state.Tx) {
		if f.m.Deleting(models.ServerID(1)) {
			t.Error("want delete forgotten once answered")
		}
		if roots, records := f.m.DeletingCount(); roots != 0 || records != 0 {
			t.Errorf("want nothing deleting, got %d and %d", roots, records)
		}
	})
}

func TestManager_DeletePermissions(t *testing.T) {
	f := newFixture(t, models.Comment{ID: models.ServerID(1), AuthorID: alice.ID})

	if _, err := f.m.Delete(context.Background(), bob, models.ServerID(1)); !errors.Is(err, ErrForbidden) {
		t.Errorf("want error %v, got %v", ErrForbidden, err)
	}
	if _, err := f.m.Delete(context.Background(), bob, models.ServerID(7)); !errors.Is(err, ErrNotFound) {
		t.Errorf("want error %v, got %v", ErrNotFound, err)
	}

	op, err := f.m.Delete(context.Background(), mod, models.ServerID(1))
	if err != nil {
		t.Fatalf("want moderator delete allowed, got %v", err)
	}
	f.svc.Expect(t, remotetest.MethodDeleteComment).Succeed()
	wait(t, op)
}

func TestManager_Closed(t *testing.T) {
	f := newFixture(t)

	op, _ := f.m.Create(context.Background(), alice, models.ID{}, "hello")
	call := f.svc.Expect(t, remotetest.MethodAddComment)

	f.st.Close()
	if _, err := f.m.Create(context.Background(), alice, models.ID{}, "again"); !errors.Is(err, state.ErrClosed) {
		t.Errorf("want error %v, got %v", state.ErrClosed, err)
	}

	call.Return(models.Comment{ID: models.ServerID(42)})
	if err := wait(t, op); err != nil {
		t.Errorf("unexpected op error: %v", err)
	}
	f.m.Wait()

	snap := f.st.Snapshot()
	if len(snap.Comments) != 1 || !snap.Comments[0].ID.Pending {
		t.Errorf("want closed state untouched, got %+v", snap)
	}
}

func TestManager_CallerCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	op, _ := f.m.Create(ctx, alice, models.ID{}, "hello")
	cancel()

	f.svc.Expect(t, remotetest.MethodAddComment).Return(models.Comment{ID: models.ServerID(3)})
	if err := wait(t, op); err != nil {
		t.Errorf("want remote call to outlive caller, got %v", err)
	}
}

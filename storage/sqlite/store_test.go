package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/c0deZ3R0/go-crm-sync/credentials"
	"github.com/c0deZ3R0/go-crm-sync/crmsync"
	syncErrors "github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/session"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(DefaultConfig("file:" + filepath.Join(t.TempDir(), "crmsync_test.db")))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testCredential(identity string) *credentials.Credential {
	return &credentials.Credential{
		Identity:      identity,
		ClientID:      "cid",
		ClientSecret:  "cs",
		AccessToken:   "tok",
		RefreshToken:  "refresh",
		Expiry:        time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		APIBaseDomain: "acme.my-crm.test",
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cred := testCredential("a@x")
	if err := store.Save(ctx, cred.Identity, cred); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, "a@x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AccessToken != "tok" || got.RefreshToken != "refresh" {
		t.Errorf("got %+v", got)
	}
	if !got.Expiry.Equal(cred.Expiry) {
		t.Errorf("expiry = %v, want %v", got.Expiry, cred.Expiry)
	}
}

func TestCredentialGetUnknownIsNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.Get(context.Background(), "nobody@x")
	if !syncErrors.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestCredentialUpsertKeepsRefreshToken(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "a@x", testCredential("a@x")); err != nil {
		t.Fatal(err)
	}

	// Partial update with no refresh token must not clear the stored one.
	partial := testCredential("a@x")
	partial.AccessToken = "new-tok"
	partial.RefreshToken = ""
	if err := store.Save(ctx, "a@x", partial); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "a@x")
	if err != nil {
		t.Fatal(err)
	}
	if got.RefreshToken != "refresh" {
		t.Errorf("refresh token = %q, want preserved", got.RefreshToken)
	}
	if got.AccessToken != "new-tok" {
		t.Errorf("access token = %q, want updated", got.AccessToken)
	}

	// A rotated token does replace the stored one.
	rotated := testCredential("a@x")
	rotated.RefreshToken = "rotated"
	store.Save(ctx, "a@x", rotated)
	got, _ = store.Get(ctx, "a@x")
	if got.RefreshToken != "rotated" {
		t.Errorf("refresh token = %q, want rotated", got.RefreshToken)
	}
}

func TestCredentialDeleteAndList(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	store.Save(ctx, "a@x", testCredential("a@x"))
	store.Save(ctx, "b@x", testCredential("b@x"))

	all, err := store.List(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("List = %d, %v", len(all), err)
	}

	if err := store.Delete(ctx, "a@x"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "a@x"); !syncErrors.IsNotFound(err) {
		t.Errorf("deleted identity should be not-found, got %v", err)
	}
	if err := store.Delete(ctx, "a@x"); !syncErrors.IsNotFound(err) {
		t.Errorf("double delete should be not-found, got %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess := &session.SyncSession{
		ID:            "s1",
		OperationType: crmsync.OpBulkUpdate,
		Status:        session.StatusInitiated,
		Identity:      "a@x",
		StartedAt:     time.Now().UTC().Truncate(time.Second),
		TotalRecords:  250,
		Metadata:      map[string]interface{}{"entity": "deals"},
	}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sess.Status = session.StatusInProgress
	sess.Successful = 100
	sess.RateLimitHits = 2
	if err := store.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != session.StatusInProgress || got.Successful != 100 || got.RateLimitHits != 2 {
		t.Errorf("session = %+v", got)
	}
	if got.Metadata["entity"] != "deals" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestSessionUpdateUnknownIsNotFound(t *testing.T) {
	store := setupTestStore(t)
	err := store.UpdateSession(context.Background(), &session.SyncSession{ID: "ghost"})
	if !syncErrors.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestListSessionsFiltersAndOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, st := range []session.Status{session.StatusCompleted, session.StatusFailed, session.StatusCompleted} {
		store.CreateSession(ctx, &session.SyncSession{
			ID:            string(rune('a' + i)),
			OperationType: crmsync.OpFullSync,
			Status:        st,
			StartedAt:     base.Add(time.Duration(i) * time.Minute),
		})
	}

	completed, err := store.ListSessions(ctx, session.ListFilter{Status: session.StatusCompleted})
	if err != nil || len(completed) != 2 {
		t.Fatalf("completed = %d, %v", len(completed), err)
	}
	// Newest first.
	if completed[0].StartedAt.Before(completed[1].StartedAt) {
		t.Error("sessions not ordered newest first")
	}

	recent, _ := store.ListSessions(ctx, session.ListFilter{Since: base.Add(90 * time.Second)})
	if len(recent) != 1 {
		t.Errorf("recent = %d, want 1", len(recent))
	}

	limited, _ := store.ListSessions(ctx, session.ListFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limited = %d, want 2", len(limited))
	}
}

func TestConflictAppendListResolve(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	detected := time.Now().UTC().Truncate(time.Second)

	conflicts := []crmsync.ConflictRecord{
		{ID: "c1", SessionID: "s1", RecordID: "d1", Field: "Amount", LocalValue: 100, RemoteValue: 150,
			Resolution: crmsync.ResolutionRemoteWins, Reason: "remote is authoritative", DetectedAt: detected},
		{ID: "c2", SessionID: "s1", RecordID: "d2", Field: "OwnerId",
			Resolution: crmsync.ResolutionFlaggedForReview, Reason: "record missing remotely", DetectedAt: detected},
		{ID: "c3", SessionID: "s2", RecordID: "d3", Field: "StageName",
			Resolution: crmsync.ResolutionRemoteWins, DetectedAt: detected},
	}
	if err := store.AppendConflicts(ctx, conflicts); err != nil {
		t.Fatalf("AppendConflicts: %v", err)
	}

	forS1, err := store.ListConflicts(ctx, "s1")
	if err != nil || len(forS1) != 2 {
		t.Fatalf("conflicts = %d, %v", len(forS1), err)
	}
	// Detection order preserved.
	if forS1[0].ID != "c1" || forS1[1].ID != "c2" {
		t.Errorf("order = %s, %s", forS1[0].ID, forS1[1].ID)
	}
	// Values survive the JSON column round trip.
	if forS1[0].LocalValue != float64(100) || forS1[0].RemoteValue != float64(150) {
		t.Errorf("values = %v, %v", forS1[0].LocalValue, forS1[0].RemoteValue)
	}

	open, err := store.ListUnresolvedConflicts(ctx)
	if err != nil || len(open) != 1 || open[0].ID != "c2" {
		t.Fatalf("unresolved = %v, %v", open, err)
	}

	resolved := open[0]
	resolved.Resolution = crmsync.ResolutionLocalPreserved
	resolved.ResolvedBy = "ops@x"
	at := time.Now().UTC().Truncate(time.Second)
	resolved.ResolvedAt = &at
	if err := store.UpdateConflict(ctx, &resolved); err != nil {
		t.Fatalf("UpdateConflict: %v", err)
	}

	open, _ = store.ListUnresolvedConflicts(ctx)
	if len(open) != 0 {
		t.Errorf("still unresolved: %v", open)
	}
}

func TestClosedStoreReturnsStorageErrors(t *testing.T) {
	store := setupTestStore(t)
	store.Close()
	ctx := context.Background()

	if _, err := store.Get(ctx, "a@x"); !syncErrors.IsStorage(err) {
		t.Errorf("Get on closed store = %v", err)
	}
	if err := store.Save(ctx, "a@x", testCredential("a@x")); !syncErrors.IsStorage(err) {
		t.Errorf("Save on closed store = %v", err)
	}
	if _, err := store.GetSession(ctx, "s1"); !syncErrors.IsStorage(err) {
		t.Errorf("GetSession on closed store = %v", err)
	}
}

// The tracker runs unmodified over the SQLite store.
func TestTrackerOverSQLite(t *testing.T) {
	store := setupTestStore(t)
	tracker, err := session.NewTracker(session.TrackerOptions{Store: store})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	s, err := tracker.Start(ctx, crmsync.OpBulkUpsert, "a@x", 50)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tracker.Record(ctx, s.ID, session.Progress{
		Successful: 49,
		Failed:     1,
		Conflicts: []crmsync.ConflictRecord{
			{RecordID: "d7", Field: "Amount", LocalValue: 1, RemoteValue: 2, Resolution: crmsync.ResolutionRemoteWins},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := tracker.Complete(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := tracker.Complete(ctx, s.ID); !syncErrors.IsState(err) {
		t.Errorf("second complete = %v", err)
	}

	got, _ := tracker.Get(ctx, s.ID)
	if got.ConflictCount != 1 || got.Successful != 49 {
		t.Errorf("session = %+v", got)
	}
}

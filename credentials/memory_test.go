package credentials

import (
	"context"
	"testing"
	"time"

	syncErrors "github.com/c0deZ3R0/go-crm-sync/errors"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	cred := &Credential{
		Identity:      "a@example.org",
		ClientID:      "client",
		ClientSecret:  "secret",
		AccessToken:   "tok",
		RefreshToken:  "refresh",
		Expiry:        time.Now().Add(time.Hour),
		APIBaseDomain: "example.my-crm.test",
	}

	if err := store.Save(ctx, cred.Identity, cred); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, cred.Identity)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AccessToken != "tok" || got.RefreshToken != "refresh" {
		t.Errorf("got %+v", got)
	}
}

func TestMemoryStoreGetUnknownIsNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "nobody@example.org")
	if !syncErrors.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestMemoryStoreSaveKeepsRefreshToken(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	full := &Credential{Identity: "a@x", RefreshToken: "keep-me", AccessToken: "old"}
	if err := store.Save(ctx, "a@x", full); err != nil {
		t.Fatal(err)
	}

	// Partial update without a refresh token must not clear the stored one.
	partial := &Credential{Identity: "a@x", AccessToken: "new"}
	if err := store.Save(ctx, "a@x", partial); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "a@x")
	if err != nil {
		t.Fatal(err)
	}
	if got.RefreshToken != "keep-me" {
		t.Errorf("refresh token = %q, want keep-me", got.RefreshToken)
	}
	if got.AccessToken != "new" {
		t.Errorf("access token = %q, want new", got.AccessToken)
	}
}

func TestMemoryStoreSaveRotatesRefreshToken(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Save(ctx, "a@x", &Credential{RefreshToken: "old"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, "a@x", &Credential{RefreshToken: "rotated"}); err != nil {
		t.Fatal(err)
	}

	got, _ := store.Get(ctx, "a@x")
	if got.RefreshToken != "rotated" {
		t.Errorf("refresh token = %q, want rotated", got.RefreshToken)
	}
}

func TestMemoryStoreDeleteAndList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	store.Save(ctx, "a@x", &Credential{RefreshToken: "r1"})
	store.Save(ctx, "b@x", &Credential{RefreshToken: "r2"})

	all, err := store.List(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("List = %v, %v", all, err)
	}

	if err := store.Delete(ctx, "a@x"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "a@x"); !syncErrors.IsNotFound(err) {
		t.Errorf("deleted identity should be not-found, got %v", err)
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore()
	store.Close()

	if _, err := store.Get(context.Background(), "a@x"); !syncErrors.IsStorage(err) {
		t.Errorf("closed store should return storage error, got %v", err)
	}
	if err := store.Save(context.Background(), "a@x", &Credential{}); !syncErrors.IsStorage(err) {
		t.Errorf("closed store should return storage error, got %v", err)
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Save(ctx, "a@x", &Credential{AccessToken: "tok", RefreshToken: "r"})

	got, _ := store.Get(ctx, "a@x")
	got.AccessToken = "mutated"

	again, _ := store.Get(ctx, "a@x")
	if again.AccessToken != "tok" {
		t.Error("store handed out shared state")
	}
}

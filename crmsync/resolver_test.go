package crmsync

import (
	"fmt"
	"reflect"
	"testing"
	"time"
)

func testResolver() *Resolver {
	n := 0
	return NewResolver(DefaultDealPolicy(),
		WithClock(func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("conflict-%d", n) }),
	)
}

func TestResolveRemoteWinsScenario(t *testing.T) {
	r := testResolver()

	local := Record{"Amount": 100, "health_signal": "RED"}
	remote := Record{"Amount": 150}

	merged, conflicts := r.Resolve(local, remote, "deal-1")

	if !valuesEqual(merged["Amount"], 150) {
		t.Errorf("merged Amount = %v, want 150", merged["Amount"])
	}
	if merged["health_signal"] != "RED" {
		t.Errorf("merged health_signal = %v, want RED", merged["health_signal"])
	}

	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.Field != "Amount" || c.Resolution != ResolutionRemoteWins {
		t.Errorf("conflict = %+v", c)
	}
	if !valuesEqual(c.LocalValue, 100) || !valuesEqual(c.RemoteValue, 150) {
		t.Errorf("conflict values = %v / %v", c.LocalValue, c.RemoteValue)
	}
	if c.RecordID != "deal-1" {
		t.Errorf("conflict record id = %s", c.RecordID)
	}
}

func TestResolveEqualValuesNoConflict(t *testing.T) {
	r := testResolver()

	// int local vs float64 remote (wire-decoded) must compare equal.
	local := Record{"Amount": 100}
	remote := Record{"Amount": float64(100)}

	_, conflicts := r.Resolve(local, remote, "deal-1")
	if len(conflicts) != 0 {
		t.Errorf("equal values produced conflicts: %+v", conflicts)
	}
}

func TestResolveNullLocalAdoptsSilently(t *testing.T) {
	r := testResolver()

	local := Record{"Amount": nil}
	remote := Record{"Amount": 150}

	merged, conflicts := r.Resolve(local, remote, "deal-1")
	if len(conflicts) != 0 {
		t.Errorf("null local should not conflict, got %+v", conflicts)
	}
	if !valuesEqual(merged["Amount"], 150) {
		t.Errorf("merged Amount = %v", merged["Amount"])
	}
}

func TestResolveLocalAnalyticalNeverOverwritten(t *testing.T) {
	r := testResolver()

	// A remote payload carrying an analytical field must not clobber local.
	local := Record{"health_signal": "GREEN", "action_items": []interface{}{"call champion"}}
	remote := Record{"health_signal": "SHOULD_NOT_WIN", "Amount": 10}

	merged, conflicts := r.Resolve(local, remote, "deal-1")
	if merged["health_signal"] != "GREEN" {
		t.Errorf("health_signal = %v, want GREEN", merged["health_signal"])
	}
	for _, c := range conflicts {
		if c.Field == "health_signal" {
			t.Error("analytical field must not emit conflicts")
		}
	}
	if !reflect.DeepEqual(merged["action_items"], []interface{}{"call champion"}) {
		t.Errorf("action_items = %v", merged["action_items"])
	}
}

func TestResolveBackfillsAnalyticalDefaults(t *testing.T) {
	r := testResolver()

	merged, _ := r.Resolve(Record{}, Record{"Amount": 1}, "deal-1")

	if merged["health_signal"] != "UNKNOWN" {
		t.Errorf("health_signal default = %v, want UNKNOWN", merged["health_signal"])
	}
	if merged["health_phase"] != "" {
		t.Errorf("health_phase default = %v, want empty", merged["health_phase"])
	}
	if !reflect.DeepEqual(merged["action_items"], []interface{}{}) {
		t.Errorf("action_items default = %v", merged["action_items"])
	}
}

func TestResolveUnclassifiedPassThrough(t *testing.T) {
	r := testResolver()

	local := Record{"SomeCustomField__c": "local"}
	remote := Record{"SomeCustomField__c": "remote"}

	merged, conflicts := r.Resolve(local, remote, "deal-1")
	if merged["SomeCustomField__c"] != "remote" {
		t.Errorf("unclassified field = %v, want remote pass-through", merged["SomeCustomField__c"])
	}
	if len(conflicts) != 0 {
		t.Errorf("unclassified fields must be untracked, got %+v", conflicts)
	}
}

func TestResolveIdempotent(t *testing.T) {
	local := Record{"Amount": 100, "StageName": "Prospecting", "health_signal": "RED"}
	remote := Record{"Amount": 150, "StageName": "Negotiation"}

	r1 := testResolver()
	merged1, conflicts1 := r1.Resolve(local, remote, "deal-1")
	r2 := testResolver()
	merged2, conflicts2 := r2.Resolve(local, remote, "deal-1")

	if !reflect.DeepEqual(merged1, merged2) {
		t.Errorf("merges differ:\n%v\n%v", merged1, merged2)
	}
	if !reflect.DeepEqual(conflicts1, conflicts2) {
		t.Errorf("conflicts differ:\n%+v\n%+v", conflicts1, conflicts2)
	}
}

func TestResolveConflictOrderDeterministic(t *testing.T) {
	r := testResolver()

	local := Record{"StageName": "A", "Amount": 1, "CloseDate": "2026-01-01"}
	remote := Record{"StageName": "B", "Amount": 2, "CloseDate": "2026-02-01"}

	_, conflicts := r.Resolve(local, remote, "deal-1")
	if len(conflicts) != 3 {
		t.Fatalf("conflicts = %d, want 3", len(conflicts))
	}
	want := []string{"Amount", "CloseDate", "StageName"}
	for i, c := range conflicts {
		if c.Field != want[i] {
			t.Errorf("conflict[%d].Field = %s, want %s", i, c.Field, want[i])
		}
	}
}

func TestResolveManyMatchedAndRemoteOnly(t *testing.T) {
	r := testResolver()

	locals := []Record{
		{"Id": "a", "Amount": 100, "health_signal": "RED"},
	}
	remotes := []Record{
		{"Id": "a", "Amount": 150},
		{"Id": "b", "Amount": 999},
	}

	res := r.ResolveMany(locals, remotes, "Id")

	if len(res.Merged) != 2 {
		t.Fatalf("merged = %d, want 2", len(res.Merged))
	}
	if res.Merged[0].ID("Id") != "a" || res.Merged[1].ID("Id") != "b" {
		t.Error("merged order must follow remote order")
	}
	if res.Merged[0]["health_signal"] != "RED" {
		t.Error("matched record lost its analytical field")
	}
	if res.Merged[1]["health_signal"] != "UNKNOWN" {
		t.Error("remote-only record missing default analytical fields")
	}
	if len(res.RemoteOnly) != 1 || res.RemoteOnly[0] != "b" {
		t.Errorf("RemoteOnly = %v", res.RemoteOnly)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Field != "Amount" {
		t.Errorf("Conflicts = %+v", res.Conflicts)
	}
}

func TestResolveManyLocalOnlyFlaggedNeverDeleted(t *testing.T) {
	r := testResolver()

	locals := []Record{
		{"Id": "gone", "Amount": 5, "health_signal": "GREEN"},
	}
	res := r.ResolveMany(locals, nil, "Id")

	if len(res.LocalOnly) != 1 || res.LocalOnly[0].ID("Id") != "gone" {
		t.Fatalf("LocalOnly = %v", res.LocalOnly)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1 flag", len(res.Conflicts))
	}
	if res.Conflicts[0].Resolution != ResolutionFlaggedForReview {
		t.Errorf("resolution = %s, want flagged_for_review", res.Conflicts[0].Resolution)
	}
}

func TestResolveManyDefaultKeyField(t *testing.T) {
	r := testResolver()

	res := r.ResolveMany(nil, []Record{{"Id": "x", "Amount": 1}}, "")
	if len(res.RemoteOnly) != 1 || res.RemoteOnly[0] != "x" {
		t.Errorf("RemoteOnly = %v", res.RemoteOnly)
	}
}

package linker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	scribe "github.com/eugener/scribe/internal"
	"github.com/eugener/scribe/internal/hasher"
)

// stubStore is a scripted storage.LinkStore recording the bounds it was
// queried with.
type stubStore struct {
	floor      time.Time
	floorErr   error
	candidate  *scribe.LinkCandidate
	candErr    error
	claimed    bool
	claimErr   error
	carriers   []scribe.TaskCarrier
	carrierErr error
	subtasks   int

	gotHashSince    time.Time
	gotCarrierSince time.Time
	carrierCalls    int
}

func (s *stubStore) LookbackFloor(ctx context.Context, domain string, maxRequests int) (time.Time, error) {
	return s.floor, s.floorErr
}

func (s *stubStore) LatestByCurrentHash(ctx context.Context, domain, hash string, since time.Time) (*scribe.LinkCandidate, error) {
	s.gotHashSince = since
	return s.candidate, s.candErr
}

func (s *stubStore) ParentClaimed(ctx context.Context, domain, parentHash string) (bool, error) {
	return s.claimed, s.claimErr
}

func (s *stubStore) RecentTaskCarriers(ctx context.Context, domain string, since time.Time, limit int) ([]scribe.TaskCarrier, error) {
	s.carrierCalls++
	s.gotCarrierSince = since
	return s.carriers, s.carrierErr
}

func (s *stubStore) CountSubtasks(ctx context.Context, parentTaskRequestID string) (int, error) {
	return s.subtasks, nil
}

var testNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func singleUserBody(text string) []byte {
	return []byte(`{"model":"m","messages":[{"role":"user","content":` + jsonString(text) + `}]}`)
}

func jsonString(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func taskResponse(prompt string) []byte {
	return []byte(`{"content":[
		{"type":"text","text":"spawning"},
		{"type":"tool_use","id":"toolu_01","name":"Task","input":{"description":"probe","prompt":` + jsonString(prompt) + `}}
	]}`)
}

func TestLinkNewConversation(t *testing.T) {
	t.Parallel()

	l := New(&stubStore{})
	lk := l.Link(context.Background(), Input{
		Domain: "acme.example.com",
		Body:   singleUserBody("hello"),
		Hashes: hasher.Hashes{Current: "c1"},
		Now:    testNow,
	})

	if _, err := uuid.Parse(lk.ConversationID); err != nil {
		t.Errorf("conversation id %q is not a uuid: %v", lk.ConversationID, err)
	}
	if lk.BranchID != scribe.BranchMain {
		t.Errorf("branch = %q, want %q", lk.BranchID, scribe.BranchMain)
	}
	if lk.MessageCount != 1 || lk.IsSubtask || lk.ParentRequestID != "" {
		t.Errorf("unexpected linkage: %+v", lk)
	}
}

func TestLinkContinuesBranch(t *testing.T) {
	t.Parallel()

	store := &stubStore{
		candidate: &scribe.LinkCandidate{
			RequestID:      "req-1",
			ConversationID: "conv-1",
			BranchID:       scribe.BranchMain,
			MessageCount:   3,
		},
	}
	l := New(store)
	lk := l.Link(context.Background(), Input{
		Domain: "acme.example.com",
		Body:   singleUserBody("again"),
		Hashes: hasher.Hashes{Current: "c2", Parent: "p1"},
		Now:    testNow,
	})

	if lk.ConversationID != "conv-1" || lk.BranchID != scribe.BranchMain {
		t.Errorf("linkage = %+v, want continuation of conv-1/main", lk)
	}
	if lk.MessageCount != 4 {
		t.Errorf("message count = %d, want 4", lk.MessageCount)
	}
	if lk.ParentRequestID != "req-1" || lk.ParentMessageHash != "p1" {
		t.Errorf("parent fields wrong: %+v", lk)
	}
	if store.carrierCalls != 0 {
		t.Errorf("subtask probe ran on a request with a parent hash")
	}
}

func TestLinkBranchesOnClaimedParent(t *testing.T) {
	t.Parallel()

	store := &stubStore{
		candidate: &scribe.LinkCandidate{
			RequestID:      "req-1",
			ConversationID: "conv-1",
			BranchID:       scribe.BranchMain,
			MessageCount:   3,
		},
		claimed: true,
	}
	l := New(store)
	lk := l.Link(context.Background(), Input{
		Domain: "acme.example.com",
		Body:   singleUserBody("again"),
		Hashes: hasher.Hashes{Current: "c2", Parent: "p1"},
		Now:    testNow,
	})

	if lk.ConversationID != "conv-1" {
		t.Errorf("conversation = %q, want conv-1", lk.ConversationID)
	}
	if lk.BranchID != "branch-2026-08-25-12-00-00" {
		t.Errorf("branch = %q, want timestamped branch", lk.BranchID)
	}
	if lk.MessageCount != 4 {
		t.Errorf("message count = %d, want 4", lk.MessageCount)
	}
}

func TestLinkHonorsLookbackFloor(t *testing.T) {
	t.Parallel()

	// The 10,000th request is more recent than 14 days ago; the tighter bound wins.
	floor := testNow.Add(-time.Hour)
	store := &stubStore{floor: floor}
	l := New(store)
	l.Link(context.Background(), Input{
		Domain: "acme.example.com",
		Body:   singleUserBody("again"),
		Hashes: hasher.Hashes{Current: "c2", Parent: "p1"},
		Now:    testNow,
	})

	if !store.gotHashSince.Equal(floor) {
		t.Errorf("hash lookup since = %v, want floor %v", store.gotHashSince, floor)
	}
}

func TestLinkSubtask(t *testing.T) {
	t.Parallel()

	store := &stubStore{
		carriers: []scribe.TaskCarrier{
			{
				RequestID:      "req-task",
				ConversationID: "conv-9",
				ResponseBody:   taskResponse("analyze the\n   recent logs"),
				Timestamp:      testNow.Add(-5 * time.Second),
			},
		},
		subtasks: 1,
	}
	l := New(store)
	lk := l.Link(context.Background(), Input{
		Domain: "acme.example.com",
		Body:   singleUserBody("analyze   the recent logs"),
		Hashes: hasher.Hashes{Current: "c1"},
		Now:    testNow,
	})

	if !lk.IsSubtask {
		t.Fatalf("expected subtask linkage, got %+v", lk)
	}
	if lk.ConversationID != "conv-9" || lk.ParentTaskRequestID != "req-task" {
		t.Errorf("subtask not linked to carrier: %+v", lk)
	}
	if lk.BranchID != "subtask_2" {
		t.Errorf("branch = %q, want subtask_2", lk.BranchID)
	}
	if lk.MessageCount != 1 || lk.ParentMessageHash != "" {
		t.Errorf("subtask roots a fresh chain: %+v", lk)
	}
	if len(lk.TaskToolInvocation) == 0 || !strings.Contains(string(lk.TaskToolInvocation), `"toolu_01"`) {
		t.Errorf("task invocation block not captured: %s", lk.TaskToolInvocation)
	}
	if want := testNow.Add(-30 * time.Second); !store.gotCarrierSince.Equal(want) {
		t.Errorf("carrier since = %v, want %v", store.gotCarrierSince, want)
	}
}

func TestLinkSubtaskPromptMismatch(t *testing.T) {
	t.Parallel()

	store := &stubStore{
		carriers: []scribe.TaskCarrier{
			{RequestID: "req-task", ConversationID: "conv-9", ResponseBody: taskResponse("different prompt")},
		},
	}
	l := New(store)
	lk := l.Link(context.Background(), Input{
		Domain: "acme.example.com",
		Body:   singleUserBody("analyze the recent logs"),
		Hashes: hasher.Hashes{Current: "c1"},
		Now:    testNow,
	})

	if lk.IsSubtask {
		t.Fatalf("prompt mismatch must not link: %+v", lk)
	}
	if lk.BranchID != scribe.BranchMain {
		t.Errorf("branch = %q, want main", lk.BranchID)
	}
}

func TestLinkStoreFailureFallsBack(t *testing.T) {
	t.Parallel()

	store := &stubStore{candErr: errors.New("connection refused")}
	l := New(store)
	lk := l.Link(context.Background(), Input{
		Domain: "acme.example.com",
		Body:   singleUserBody("again"),
		Hashes: hasher.Hashes{Current: "c2", Parent: "p1"},
		Now:    testNow,
	})

	if lk.ConversationID == "" || lk.BranchID != scribe.BranchMain || lk.MessageCount != 1 {
		t.Errorf("store failure must yield a fresh conversation, got %+v", lk)
	}
}

func TestNormalizeSpace(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"a  b", "a b"},
		{"  a\tb \n c  ", "a b c"},
		{"", ""},
		{"one", "one"},
	}
	for _, tt := range tests {
		if got := normalizeSpace(tt.in); got != tt.want {
			t.Errorf("normalizeSpace(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

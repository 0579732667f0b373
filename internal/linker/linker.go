// Package linker places each request in a conversation: same branch when its
// parent hash matches an unclaimed prior request, a new branch when the parent
// is already claimed, a subtask branch when the first user message matches a
// recent Task tool invocation, and a fresh conversation otherwise.
package linker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	scribe "github.com/eugener/scribe/internal"
	"github.com/eugener/scribe/internal/hasher"
	"github.com/eugener/scribe/internal/storage"
)

const (
	// lookback bounds how far back a parent hash may match.
	lookback = 14 * 24 * time.Hour
	// maxLookbackRequests bounds the same search by row count; the effective
	// floor is whichever of the two bounds is more recent.
	maxLookbackRequests = 10_000
	// taskWindow is how recently a Task invocation must have been emitted to
	// adopt a new request as its subtask.
	taskWindow = 30 * time.Second
	// taskCarrierLimit caps how many Task-bearing responses one probe inspects.
	taskCarrierLimit = 20
)

// branchTimeFormat timestamps branches split off an already-claimed parent.
const branchTimeFormat = "2006-01-02-15-04-05"

// Linker computes conversation linkage from bounded store look-backs.
// Linking is best-effort: every store failure degrades to a fresh
// conversation and never fails the request being proxied.
type Linker struct {
	store storage.LinkStore
}

// New returns a Linker over the given link store.
func New(store storage.LinkStore) *Linker {
	return &Linker{store: store}
}

// Input is everything linking needs about the incoming request.
type Input struct {
	Domain string
	Body   []byte
	Hashes hasher.Hashes
	Now    time.Time
}

// Link returns the conversation placement for the request. The subtask probe
// runs only for chain roots (no parent hash); continuations inside a subtask
// branch link by hash like any other request.
func (l *Linker) Link(ctx context.Context, in Input) scribe.Linkage {
	if in.Hashes.Parent == "" {
		if lk, ok := l.linkSubtask(ctx, in); ok {
			return lk
		}
	} else if lk, ok := l.linkParent(ctx, in); ok {
		return lk
	}
	return scribe.Linkage{
		ConversationID: uuid.NewString(),
		BranchID:       scribe.BranchMain,
		MessageCount:   1,
	}
}

// linkSubtask matches the body's first user message against Task tool
// invocations emitted in the domain within the task window.
func (l *Linker) linkSubtask(ctx context.Context, in Input) (scribe.Linkage, bool) {
	first := hasher.FirstUserText(in.Body)
	if first == "" {
		return scribe.Linkage{}, false
	}
	want := normalizeSpace(first)

	carriers, err := l.store.RecentTaskCarriers(ctx, in.Domain, in.Now.Add(-taskWindow), taskCarrierLimit)
	if err != nil {
		l.warn(ctx, "task carrier lookup failed", in.Domain, err)
		return scribe.Linkage{}, false
	}

	for _, c := range carriers {
		block, ok := matchTaskBlock(c.ResponseBody, want)
		if !ok {
			continue
		}
		n, err := l.store.CountSubtasks(ctx, c.RequestID)
		if err != nil {
			l.warn(ctx, "subtask count failed", in.Domain, err)
			return scribe.Linkage{}, false
		}
		return scribe.Linkage{
			ConversationID:      c.ConversationID,
			BranchID:            fmt.Sprintf("subtask_%d", n+1),
			ParentTaskRequestID: c.RequestID,
			IsSubtask:           true,
			MessageCount:        1,
			TaskToolInvocation:  block,
		}, true
	}
	return scribe.Linkage{}, false
}

// linkParent finds the most recent request whose current hash equals this
// request's parent hash, inside both look-back bounds.
func (l *Linker) linkParent(ctx context.Context, in Input) (scribe.Linkage, bool) {
	since := in.Now.Add(-lookback)
	floor, err := l.store.LookbackFloor(ctx, in.Domain, maxLookbackRequests)
	if err != nil {
		l.warn(ctx, "lookback floor failed", in.Domain, err)
		return scribe.Linkage{}, false
	}
	if floor.After(since) {
		since = floor
	}

	cand, err := l.store.LatestByCurrentHash(ctx, in.Domain, in.Hashes.Parent, since)
	if err != nil {
		l.warn(ctx, "parent lookup failed", in.Domain, err)
		return scribe.Linkage{}, false
	}
	if cand == nil {
		return scribe.Linkage{}, false
	}

	branch := cand.BranchID
	claimed, err := l.store.ParentClaimed(ctx, in.Domain, in.Hashes.Parent)
	if err != nil {
		l.warn(ctx, "parent claim check failed", in.Domain, err)
		return scribe.Linkage{}, false
	}
	if claimed {
		branch = "branch-" + in.Now.UTC().Format(branchTimeFormat)
	}

	return scribe.Linkage{
		ConversationID:    cand.ConversationID,
		BranchID:          branch,
		ParentRequestID:   cand.RequestID,
		MessageCount:      cand.MessageCount + 1,
		ParentMessageHash: in.Hashes.Parent,
	}, true
}

// matchTaskBlock scans a response body for a Task tool_use block whose prompt
// equals want after whitespace normalization. Returns the raw block on match.
func matchTaskBlock(response json.RawMessage, want string) (json.RawMessage, bool) {
	var found []byte
	gjson.GetBytes(response, "content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() != "tool_use" || block.Get("name").String() != "Task" {
			return true
		}
		if normalizeSpace(block.Get("input.prompt").String()) != want {
			return true
		}
		found = []byte(block.Raw)
		return false
	})
	return found, found != nil
}

// normalizeSpace collapses whitespace runs to single spaces and trims the ends.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (l *Linker) warn(ctx context.Context, msg, domain string, err error) {
	slog.LogAttrs(ctx, slog.LevelWarn, "linker: "+msg+", starting fresh conversation",
		slog.String("domain", domain),
		slog.String("error", err.Error()))
}

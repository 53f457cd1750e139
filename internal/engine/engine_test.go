package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"agentstage/internal/config"
	"agentstage/internal/db"
	"agentstage/internal/engine"
	"agentstage/internal/migrate"
	"agentstage/internal/repo"
	"agentstage/internal/responder"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return clock }
	eng.Responder = responder.Static{Text: "ok"}
	return &testEnv{Engine: eng, Ctx: context.Background(), Clock: &clock}
}

func (env *testEnv) advance(d time.Duration) {
	*env.Clock = env.Clock.Add(d)
}

func (env *testEnv) mustAgent(t *testing.T) string {
	t.Helper()
	a, err := env.Engine.CreateAgent(env.Ctx, "support-bot", "answers tickets", "tester")
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return a.ID
}

func (env *testEnv) mustDraft(t *testing.T, agentID, cfg string) string {
	t.Helper()
	v, err := env.Engine.CreateDraft(env.Ctx, agentID, cfg, "tester")
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	return v.ID
}

func TestDraftPublishLifecycle(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)

	v1, err := env.Engine.CreateDraft(env.Ctx, agentID, `{"model":"a"}`, "tester")
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if v1.VersionNumber != 1 || v1.Status != "draft" {
		t.Fatalf("unexpected first draft: %+v", v1)
	}

	p1, err := env.Engine.Publish(env.Ctx, v1.ID, "tester")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if p1.Status != "production" || p1.PublishedAt == nil {
		t.Fatalf("expected production with published_at: %+v", p1)
	}

	v2ID := env.mustDraft(t, agentID, `{"model":"b"}`)
	v2, err := env.Engine.Repo.GetVersion(env.Ctx, v2ID)
	if err != nil {
		t.Fatal(err)
	}
	if v2.VersionNumber != 2 {
		t.Fatalf("expected version 2, got %d", v2.VersionNumber)
	}

	if _, err := env.Engine.Publish(env.Ctx, v2.ID, "tester"); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	old, err := env.Engine.Repo.GetVersion(env.Ctx, v1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != "archived" {
		t.Fatalf("previous production should be archived, got %s", old.Status)
	}
}

func TestSingleDraftPerAgent(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)
	env.mustDraft(t, agentID, `{}`)

	_, err := env.Engine.CreateDraft(env.Ctx, agentID, `{}`, "tester")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestEditOnlyDrafts(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)
	draftID := env.mustDraft(t, agentID, `{"model":"a"}`)

	edited, err := env.Engine.EditDraft(env.Ctx, draftID, `{"model":"a2"}`, "tester")
	if err != nil {
		t.Fatalf("edit draft: %v", err)
	}
	if edited.ConfigJSON != `{"model":"a2"}` {
		t.Fatalf("config not replaced: %s", edited.ConfigJSON)
	}

	if _, err := env.Engine.Publish(env.Ctx, draftID, "tester"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.EditDraft(env.Ctx, draftID, `{"model":"a3"}`, "tester")
	var state engine.InvalidStateError
	if !errors.As(err, &state) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)
	_, err := env.Engine.CreateDraft(env.Ctx, agentID, `{not json`, "tester")
	var validation engine.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestDeleteDraftOnly(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)
	draftID := env.mustDraft(t, agentID, `{}`)

	if err := env.Engine.DeleteDraft(env.Ctx, draftID, "tester"); err != nil {
		t.Fatalf("delete draft: %v", err)
	}
	if _, err := env.Engine.Repo.GetVersion(env.Ctx, draftID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("draft should be gone, got %v", err)
	}

	prodID := env.mustDraft(t, agentID, `{}`)
	if _, err := env.Engine.Publish(env.Ctx, prodID, "tester"); err != nil {
		t.Fatal(err)
	}
	err := env.Engine.DeleteDraft(env.Ctx, prodID, "tester")
	var state engine.InvalidStateError
	if !errors.As(err, &state) {
		t.Fatalf("expected InvalidStateError deleting production, got %v", err)
	}
}

func TestRollbackCopiesConfig(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)

	v1ID := env.mustDraft(t, agentID, `{"model":"a","temp":0.2}`)
	if _, err := env.Engine.Publish(env.Ctx, v1ID, "tester"); err != nil {
		t.Fatal(err)
	}
	v2ID := env.mustDraft(t, agentID, `{"model":"b"}`)
	if _, err := env.Engine.Publish(env.Ctx, v2ID, "tester"); err != nil {
		t.Fatal(err)
	}

	restored, err := env.Engine.Rollback(env.Ctx, v1ID, "tester")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if restored.Status != "draft" || restored.VersionNumber != 3 {
		t.Fatalf("rollback should open draft v3: %+v", restored)
	}

	var got, want map[string]any
	if err := json.Unmarshal([]byte(restored.ConfigJSON), &got); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"model":"a","temp":0.2}`), &want); err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) || got["model"] != want["model"] {
		t.Fatalf("rollback config mismatch: %v", got)
	}

	// The rollback source stays archived and untouched.
	source, err := env.Engine.Repo.GetVersion(env.Ctx, v1ID)
	if err != nil {
		t.Fatal(err)
	}
	if source.Status != "archived" {
		t.Fatalf("rollback source mutated: %+v", source)
	}
}

func TestRollbackRejectsDraftTarget(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)
	draftID := env.mustDraft(t, agentID, `{}`)

	_, err := env.Engine.Rollback(env.Ctx, draftID, "tester")
	var state engine.InvalidStateError
	if !errors.As(err, &state) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestRollbackBlockedByExistingDraft(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)
	v1ID := env.mustDraft(t, agentID, `{}`)
	if _, err := env.Engine.Publish(env.Ctx, v1ID, "tester"); err != nil {
		t.Fatal(err)
	}
	env.mustDraft(t, agentID, `{}`)

	_, err := env.Engine.Rollback(env.Ctx, v1ID, "tester")
	if err == nil {
		t.Fatal("expected rollback to fail while a draft exists")
	}
}

func TestConcurrentPublishSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)
	draftID := env.mustDraft(t, agentID, `{}`)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Publish(env.Ctx, draftID, "tester")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one publish to win, got %d", wins)
	}
	v, err := env.Engine.Repo.GetVersion(env.Ctx, draftID)
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != "production" {
		t.Fatalf("expected production after race, got %s", v.Status)
	}
}

func issueLink(t *testing.T, env *testEnv, versionID string, opts engine.IssueLinkOptions) engine.IssuedLink {
	t.Helper()
	opts.AgentVersionID = versionID
	if opts.ExpirationHours == 0 {
		opts.ExpirationHours = 24
	}
	if opts.MaxConversations == 0 {
		opts.MaxConversations = 10
	}
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	issued, err := env.Engine.IssueLink(env.Ctx, opts)
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}
	return issued
}

func TestIssueLinkPasswordShownOnce(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)
	draftID := env.mustDraft(t, agentID, `{}`)

	issued := issueLink(t, env, draftID, engine.IssueLinkOptions{Password: "hunter2"})
	if issued.Password != "hunter2" {
		t.Fatalf("issuance should echo plaintext once, got %q", issued.Password)
	}
	if issued.Link.PasswordHash == nil || *issued.Link.PasswordHash == "hunter2" {
		t.Fatal("stored hash missing or equal to plaintext")
	}
	if !strings.Contains(issued.URL, issued.Link.Token) {
		t.Fatalf("share URL should embed the token: %s", issued.URL)
	}

	stored, err := env.Engine.Repo.GetLink(env.Ctx, issued.Link.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.PasswordRequired() {
		t.Fatal("stored link should require password")
	}
}

func TestAuthorizeLinkPasswordGate(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)
	draftID := env.mustDraft(t, agentID, `{}`)
	issued := issueLink(t, env, draftID, engine.IssueLinkOptions{Password: "hunter2"})

	_, _, err := env.Engine.AuthorizeLink(env.Ctx, issued.Link.Token, "wrong")
	if !errors.As(err, &engine.UnauthorizedError{}) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	if _, _, err := env.Engine.AuthorizeLink(env.Ctx, issued.Link.Token, "hunter2"); err != nil {
		t.Fatalf("correct password rejected: %v", err)
	}
}

func TestLinkExpiry(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)
	draftID := env.mustDraft(t, agentID, `{}`)
	issued := issueLink(t, env, draftID, engine.IssueLinkOptions{ExpirationHours: 1})

	if _, err := env.Engine.StartConversation(env.Ctx, issued.Link.Token, ""); err != nil {
		t.Fatalf("start before expiry: %v", err)
	}
	env.advance(2 * time.Hour)
	_, err := env.Engine.StartConversation(env.Ctx, issued.Link.Token, "")
	if !errors.As(err, &engine.ExpiredError{}) {
		t.Fatalf("expected ExpiredError, got %v", err)
	}
}

func TestRevokeLinkIdempotentAndTerminal(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)
	draftID := env.mustDraft(t, agentID, `{}`)
	issued := issueLink(t, env, draftID, engine.IssueLinkOptions{})

	first, err := env.Engine.RevokeLink(env.Ctx, issued.Link.ID, "tester")
	if err != nil || first.RevokedAt == nil {
		t.Fatalf("first revoke: %v %+v", err, first)
	}
	second, err := env.Engine.RevokeLink(env.Ctx, issued.Link.ID, "tester")
	if err != nil || second.RevokedAt == nil {
		t.Fatalf("second revoke should be a no-op: %v", err)
	}

	_, err = env.Engine.StartConversation(env.Ctx, issued.Link.Token, "")
	if !errors.As(err, &engine.RevokedError{}) {
		t.Fatalf("expected RevokedError, got %v", err)
	}
}

func TestConversationQuotaUnderConcurrency(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)
	draftID := env.mustDraft(t, agentID, `{}`)
	issued := issueLink(t, env, draftID, engine.IssueLinkOptions{MaxConversations: 5})

	const attempts = 10
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.StartConversation(env.Ctx, issued.Link.Token, "")
		}(i)
	}
	wg.Wait()

	ok, quota := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.As(err, &engine.QuotaExceededError{}):
			quota++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 5 || quota != 5 {
		t.Fatalf("expected 5 starts and 5 quota errors, got %d/%d", ok, quota)
	}

	l, err := env.Engine.Repo.GetLink(env.Ctx, issued.Link.ID)
	if err != nil {
		t.Fatal(err)
	}
	if l.ConversationCount != 5 {
		t.Fatalf("conversation_count should equal quota, got %d", l.ConversationCount)
	}
	rows, err := env.Engine.Repo.CountConversations(env.Ctx, issued.Link.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rows != 5 {
		t.Fatalf("conversation rows should match the counter, got %d", rows)
	}
}

func TestRevocationDuringConversationStart(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)
	draftID := env.mustDraft(t, agentID, `{}`)
	issued := issueLink(t, env, draftID, engine.IssueLinkOptions{})

	// Revoke in the window between the gate check and the slot claim by
	// hooking the clock read that separates them.
	base := *env.Clock
	calls := 0
	env.Engine.Now = func() time.Time {
		calls++
		if calls == 2 {
			if _, err := env.Engine.DB.Exec(`UPDATE preview_links SET revoked_at=? WHERE id=?`,
				base.Format(time.RFC3339), issued.Link.ID); err != nil {
				t.Errorf("revoke mid-start: %v", err)
			}
		}
		return base
	}

	_, err := env.Engine.StartConversation(env.Ctx, issued.Link.Token, "")
	if !errors.As(err, &engine.RevokedError{}) {
		t.Fatalf("expected RevokedError when revocation wins the race, got %v", err)
	}
}

type captureResponder struct {
	mu      sync.Mutex
	configs []string
}

func (c *captureResponder) Reply(_ context.Context, configJSON string, _ []responder.Message, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs = append(c.configs, configJSON)
	return "captured", nil
}

func TestConversationConfigFrozenAtStart(t *testing.T) {
	env := newTestEnv(t)
	capture := &captureResponder{}
	env.Engine.Responder = capture

	agentID := env.mustAgent(t)
	draftID := env.mustDraft(t, agentID, `{"model":"a"}`)
	issued := issueLink(t, env, draftID, engine.IssueLinkOptions{})

	conv, err := env.Engine.StartConversation(env.Ctx, issued.Link.Token, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.EditDraft(env.Ctx, draftID, `{"model":"b"}`, "tester"); err != nil {
		t.Fatal(err)
	}

	reply, err := env.Engine.PostMessage(env.Ctx, issued.Link.Token, conv.ID, nil, "hello")
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	if reply != "captured" {
		t.Fatalf("unexpected reply: %s", reply)
	}
	if len(capture.configs) != 1 || capture.configs[0] != `{"model":"a"}` {
		t.Fatalf("responder should see the config frozen at start, got %v", capture.configs)
	}

	after, err := env.Engine.Repo.GetConversation(env.Ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.MessageCount != 1 || after.LastMessageAt == nil {
		t.Fatalf("message bookkeeping wrong: %+v", after)
	}
}

func TestPostMessageOutlivesRevocation(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)
	draftID := env.mustDraft(t, agentID, `{}`)
	issued := issueLink(t, env, draftID, engine.IssueLinkOptions{})

	conv, err := env.Engine.StartConversation(env.Ctx, issued.Link.Token, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RevokeLink(env.Ctx, issued.Link.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	// In-flight conversations finish; new ones are blocked.
	if _, err := env.Engine.PostMessage(env.Ctx, issued.Link.Token, conv.ID, nil, "still here"); err != nil {
		t.Fatalf("open conversation should keep working: %v", err)
	}
	if _, err := env.Engine.StartConversation(env.Ctx, issued.Link.Token, ""); err == nil {
		t.Fatal("new conversation should be blocked after revoke")
	}
}

func TestFeedbackRules(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)
	draftID := env.mustDraft(t, agentID, `{}`)

	plain := issueLink(t, env, draftID, engine.IssueLinkOptions{})
	_, err := env.Engine.SubmitFeedback(env.Ctx, plain.Link.Token, engine.FeedbackInput{Rating: 4})
	var forbidden engine.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("feedback on a link issued without it should be forbidden, got %v", err)
	}

	withFb := issueLink(t, env, draftID, engine.IssueLinkOptions{IncludeFeedback: true})
	if _, err := env.Engine.SubmitFeedback(env.Ctx, withFb.Link.Token, engine.FeedbackInput{}); err == nil {
		t.Fatal("empty feedback should be rejected")
	}
	if _, err := env.Engine.SubmitFeedback(env.Ctx, withFb.Link.Token, engine.FeedbackInput{Rating: 6}); err == nil {
		t.Fatal("rating out of range should be rejected")
	}

	f, err := env.Engine.SubmitFeedback(env.Ctx, withFb.Link.Token, engine.FeedbackInput{
		Name:   "Dana",
		Rating: 5,
		Text:   "ship it",
	})
	if err != nil {
		t.Fatalf("submit feedback: %v", err)
	}
	items, err := env.Engine.FeedbackForLink(env.Ctx, withFb.Link.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != f.ID || *items[0].Rating != 5 {
		t.Fatalf("feedback not listed: %+v", items)
	}
}

func TestFeedbackClosedWhenQuotaExhausted(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)
	draftID := env.mustDraft(t, agentID, `{}`)
	issued := issueLink(t, env, draftID, engine.IssueLinkOptions{MaxConversations: 1, IncludeFeedback: true})

	if _, err := env.Engine.SubmitFeedback(env.Ctx, issued.Link.Token, engine.FeedbackInput{Rating: 4}); err != nil {
		t.Fatalf("feedback before exhaustion: %v", err)
	}
	if _, err := env.Engine.StartConversation(env.Ctx, issued.Link.Token, ""); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.SubmitFeedback(env.Ctx, issued.Link.Token, engine.FeedbackInput{Rating: 3})
	if !errors.As(err, &engine.QuotaExceededError{}) {
		t.Fatalf("exhausted link should not accept feedback, got %v", err)
	}
}

func TestLinkMutationsLeaveAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)
	draftID := env.mustDraft(t, agentID, `{}`)
	issued := issueLink(t, env, draftID, engine.IssueLinkOptions{IncludeFeedback: true})

	if _, err := env.Engine.SubmitFeedback(env.Ctx, issued.Link.Token, engine.FeedbackInput{Text: "fine"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RevokeLink(env.Ctx, issued.Link.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	// A repeat revocation stamps nothing, so it must not add a second event.
	if _, err := env.Engine.RevokeLink(env.Ctx, issued.Link.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	for _, evtType := range []string{"link.issued", "feedback.submitted", "link.revoked"} {
		recorded, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", evtType, "", "")
		if err != nil {
			t.Fatal(err)
		}
		if len(recorded) != 1 {
			t.Fatalf("expected exactly one %s event, got %d", evtType, len(recorded))
		}
	}
}

func TestDeletedDraftLeavesDanglingLink(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.mustAgent(t)
	draftID := env.mustDraft(t, agentID, `{}`)
	issued := issueLink(t, env, draftID, engine.IssueLinkOptions{})

	if err := env.Engine.DeleteDraft(env.Ctx, draftID, "tester"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.StartConversation(env.Ctx, issued.Link.Token, "")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("link to a deleted draft should resolve not found, got %v", err)
	}
}

package generation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zeidalqadri/ollama-chat-service/server/internal/checkpoint"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/model"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/ollama"
)

type fixedCounter map[string]int

func (c fixedCounter) Count(string) map[string]int { return c }

func TestStart_ContentCheckpointAndHistoryAgree(t *testing.T) {
	ctx := context.Background()
	h := newMemHistory()
	conv, _ := h.CreateConversation(ctx, "alice")
	rec := &recorder{}
	cps := &spyStore{Store: newFileStore(t), watch: rec}
	up := &fakeUpstream{chunks: textChunks("Hel", "lo", " wor", "ld")}
	svc := newTestService(up, h, cps, fixedCounter{"code": 1})

	err := svc.Start(ctx, StartRequest{UserID: "alice", ConversationID: conv, Message: "hi"}, rec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	events := rec.snapshot()
	if events[0].Type != EventSession || events[0].SessionID != conv || events[0].GenerationID == "" {
		t.Errorf("first event should be session, got %+v", events[0])
	}
	if got := rec.content(); got != "Hello world" {
		t.Errorf("client content = %q", got)
	}

	done := rec.last()
	if done.Type != EventDone {
		t.Fatalf("terminal event = %q, want done", done.Type)
	}
	if done.Usage == nil || done.Usage.PromptTokens != 5 || done.Usage.CompletionTokens != 4 || done.Usage.TotalTokens != 9 {
		t.Errorf("unexpected usage %+v", done.Usage)
	}
	if done.Artifacts["code"] != 1 {
		t.Errorf("artifact counts not reported: %+v", done.Artifacts)
	}

	if cps.ahead {
		t.Error("a checkpoint write contained text the client had not received")
	}
	if last := cps.writes[len(cps.writes)-1]; last != "Hello world" {
		t.Errorf("final checkpoint = %q", last)
	}

	msgs := h.all(conv)
	if len(msgs) != 2 || msgs[0].Role != model.RoleUser || msgs[1].Content != "Hello world" || msgs[1].Partial {
		t.Errorf("unexpected history %+v", msgs)
	}

	cp, err := cps.Read(ctx, checkpoint.Key{UserID: "alice", ConversationID: conv})
	if err != nil || cp != nil {
		t.Errorf("checkpoint should be cleared, got %+v, %v", cp, err)
	}
	if svc.Registry().Active() != 0 {
		t.Error("session not deregistered")
	}
	if len(h.usage) != 1 {
		t.Errorf("usage not logged")
	}
}

func TestStart_CheckpointWriteFailureStillCompletes(t *testing.T) {
	ctx := context.Background()
	h := newMemHistory()
	conv, _ := h.CreateConversation(ctx, "alice")
	key := checkpoint.Key{UserID: "alice", ConversationID: conv}
	svc := newTestService(&fakeUpstream{chunks: textChunks("still ", "here")}, h, failingStore{newFileStore(t)}, nil)

	rec := &recorder{}
	if err := svc.Start(ctx, StartRequest{UserID: "alice", ConversationID: conv, Message: "hi"}, rec); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := rec.last().Type; got != EventDone {
		t.Fatalf("terminal event = %q, want done", got)
	}
	if rec.count(EventDone)+rec.count(EventError)+rec.count(EventStopped) != 1 {
		t.Errorf("want exactly one terminal event: %+v", rec.snapshot())
	}
	msgs := h.all(conv)
	if len(msgs) != 2 || msgs[1].Content != rec.content() || rec.content() != "still here" {
		t.Errorf("client saw %q, history %+v", rec.content(), msgs)
	}
	if svc.Registry().Get(key) != nil || svc.Registry().Active() != 0 {
		t.Error("session still registered after completion")
	}
}

func TestStart_EmptyReplyKeepsUsage(t *testing.T) {
	ctx := context.Background()
	h := newMemHistory()
	conv, _ := h.CreateConversation(ctx, "alice")
	up := &fakeUpstream{chunks: []ollama.Chunk{{Done: true, PromptTokens: 12}}}
	svc := newTestService(up, h, newFileStore(t), nil)

	rec := &recorder{}
	if err := svc.Start(ctx, StartRequest{UserID: "alice", ConversationID: conv, Message: "hi"}, rec); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := rec.last()
	if done.Type != EventDone {
		t.Fatalf("terminal event = %q, want done", done.Type)
	}
	if done.Usage == nil || done.Usage.PromptTokens != 12 || done.Usage.TotalTokens != 12 {
		t.Errorf("usage = %+v, want the upstream's prompt count", done.Usage)
	}
	if msgs := h.all(conv); len(msgs) != 1 {
		t.Errorf("empty reply saved to history: %+v", msgs)
	}
}

func TestStart_CreatesConversation(t *testing.T) {
	h := newMemHistory()
	rec := &recorder{}
	svc := newTestService(&fakeUpstream{chunks: textChunks("ok")}, h, newFileStore(t), nil)

	if err := svc.Start(context.Background(), StartRequest{UserID: "alice", Message: "hi"}, rec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conv := rec.snapshot()[0].SessionID
	if conv == "" || len(h.all(conv)) != 2 {
		t.Errorf("conversation %q not created with messages", conv)
	}
}

func TestStart_Validation(t *testing.T) {
	h := newMemHistory()
	conv, _ := h.CreateConversation(context.Background(), "alice")
	svc := newTestService(&fakeUpstream{}, h, newFileStore(t), nil)

	tests := []struct {
		name string
		req  StartRequest
		want error
	}{
		{"empty message", StartRequest{UserID: "alice", ConversationID: conv, Message: "  "}, ErrInvalidRequest},
		{"foreign conversation", StartRequest{UserID: "bob", ConversationID: conv, Message: "hi"}, ErrNotFound},
		{"unknown conversation", StartRequest{UserID: "alice", ConversationID: "nope", Message: "hi"}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			err := svc.Start(context.Background(), tt.req, rec)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
			if len(rec.snapshot()) != 0 {
				t.Error("events emitted for a rejected request")
			}
		})
	}
}

func TestStart_CancelMidStreamKeepsPrefix(t *testing.T) {
	ctx := context.Background()
	h := newMemHistory()
	conv, _ := h.CreateConversation(ctx, "alice")
	gate := make(chan struct{})
	up := &fakeUpstream{chunks: textChunks("one ", "two ", "three ", "four"), gate: gate}
	svc := newTestService(up, h, newFileStore(t), nil)
	key := checkpoint.Key{UserID: "alice", ConversationID: conv}

	rec := &recorder{}
	finished := make(chan error, 1)
	go func() {
		finished <- svc.Start(ctx, StartRequest{UserID: "alice", ConversationID: conv, Message: "count"}, rec)
	}()

	gate <- struct{}{}
	gate <- struct{}{}
	waitFor(t, "two chunks accumulated", func() bool {
		st, _ := svc.Status(ctx, key)
		return st.Content == "one two "
	})

	partial, found := svc.Cancel(key)
	if !found || partial != "one two " {
		t.Fatalf("Cancel = %q, %v", partial, found)
	}
	gate <- struct{}{}
	if err := <-finished; err != nil {
		t.Fatalf("Start: %v", err)
	}

	last := rec.last()
	if last.Type != EventStopped || !last.Partial {
		t.Fatalf("terminal event = %+v, want stopped/partial", last)
	}
	if rec.count(EventStopped)+rec.count(EventDone)+rec.count(EventError) != 1 {
		t.Error("expected exactly one terminal event")
	}

	msgs := h.all(conv)
	saved := msgs[len(msgs)-1]
	if !saved.Partial || saved.Content != rec.content() {
		t.Errorf("saved partial %+v does not match client content %q", saved, rec.content())
	}
	full := "one two three four"
	if !strings.HasPrefix(full, saved.Content) || saved.Content == full {
		t.Errorf("partial %q is not a strict prefix of %q", saved.Content, full)
	}
	if st, _ := svc.Status(ctx, key); st.Status != "none" {
		t.Errorf("status after stop = %q", st.Status)
	}
}

func TestCancel_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newMemHistory()
	conv, _ := h.CreateConversation(ctx, "alice")
	gate := make(chan struct{})
	up := &fakeUpstream{chunks: textChunks("a", "b", "c"), gate: gate}
	svc := newTestService(up, h, newFileStore(t), nil)
	key := checkpoint.Key{UserID: "alice", ConversationID: conv}

	rec := &recorder{}
	finished := make(chan error, 1)
	go func() {
		finished <- svc.Start(ctx, StartRequest{UserID: "alice", ConversationID: conv, Message: "x"}, rec)
	}()
	gate <- struct{}{}
	waitFor(t, "first chunk accumulated", func() bool {
		st, _ := svc.Status(ctx, key)
		return st.Content == "a"
	})

	sess := svc.Registry().Get(key)
	p1, ok1 := svc.Cancel(key)
	p2, ok2 := svc.Cancel(key)
	if !ok1 || !ok2 || p1 != p2 {
		t.Errorf("second cancel differed: (%q,%v) vs (%q,%v)", p1, ok1, p2, ok2)
	}
	if sess.Cancel() {
		t.Error("Session.Cancel reported a fresh flip after cancellation")
	}

	gate <- struct{}{}
	<-finished
	if n := rec.count(EventStopped); n != 1 {
		t.Errorf("stopped events = %d", n)
	}
	if _, found := svc.Cancel(key); found {
		t.Error("cancel found a finished session")
	}
}

func TestStart_ConcurrentSameKeyConflicts(t *testing.T) {
	ctx := context.Background()
	h := newMemHistory()
	conv, _ := h.CreateConversation(ctx, "alice")
	gate := make(chan struct{})
	up := &fakeUpstream{chunks: textChunks("x"), gate: gate}
	svc := newTestService(up, h, newFileStore(t), nil)

	recs := []*recorder{{}, {}}
	results := make(chan error, 2)
	for _, rec := range recs {
		go func(rec *recorder) {
			results <- svc.Start(ctx, StartRequest{UserID: "alice", ConversationID: conv, Message: "hi"}, rec)
		}(rec)
	}

	if err := <-results; !errors.Is(err, ErrConflict) {
		t.Fatalf("first result = %v, want ErrConflict", err)
	}
	close(gate)
	if err := <-results; err != nil {
		t.Fatalf("second result = %v", err)
	}

	withEvents := 0
	for _, rec := range recs {
		if len(rec.snapshot()) > 0 {
			withEvents++
		}
	}
	if withEvents != 1 {
		t.Errorf("%d streams produced events, want 1", withEvents)
	}
	if users := len(h.all(conv)); users != 2 {
		t.Errorf("history has %d messages, want user+assistant", users)
	}
}

func TestStart_UpstreamStatusError(t *testing.T) {
	ctx := context.Background()
	h := newMemHistory()
	conv, _ := h.CreateConversation(ctx, "alice")
	up := &fakeUpstream{
		chunks: []ollama.Chunk{{Content: "par"}},
		err:    &ollama.StatusError{Code: 503, Message: "loading"},
	}
	cps := newFileStore(t)
	svc := newTestService(up, h, cps, nil)

	rec := &recorder{}
	if err := svc.Start(ctx, StartRequest{UserID: "alice", ConversationID: conv, Message: "hi"}, rec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	last := rec.last()
	if last.Type != EventError || last.Error != "HTTP 503" {
		t.Errorf("terminal event = %+v", last)
	}
	msgs := h.all(conv)
	if saved := msgs[len(msgs)-1]; saved.Content != "par" || !saved.Partial {
		t.Errorf("partial not flushed: %+v", saved)
	}
	if cp, _ := cps.Read(ctx, checkpoint.Key{UserID: "alice", ConversationID: conv}); cp != nil {
		t.Error("checkpoint left after partial was saved")
	}
}

func TestStart_PanicBecomesError(t *testing.T) {
	ctx := context.Background()
	h := newMemHistory()
	conv, _ := h.CreateConversation(ctx, "alice")
	svc := newTestService(&fakeUpstream{panicky: true}, h, newFileStore(t), nil)

	rec := &recorder{}
	if err := svc.Start(ctx, StartRequest{UserID: "alice", ConversationID: conv, Message: "hi"}, rec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if last := rec.last(); last.Type != EventError || !strings.Contains(last.Error, "upstream exploded") {
		t.Errorf("terminal event = %+v", last)
	}
	if svc.Registry().Active() != 0 {
		t.Error("session leaked after panic")
	}
}

func TestStart_ClientGoneKeepsGenerating(t *testing.T) {
	ctx := context.Background()
	h := newMemHistory()
	conv, _ := h.CreateConversation(ctx, "alice")
	svc := newTestService(&fakeUpstream{chunks: textChunks("still ", "here")}, h, newFileStore(t), nil)

	rec := &recorder{err: errors.New("broken pipe")}
	if err := svc.Start(ctx, StartRequest{UserID: "alice", ConversationID: conv, Message: "hi"}, rec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	msgs := h.all(conv)
	if saved := msgs[len(msgs)-1]; saved.Content != "still here" || saved.Partial {
		t.Errorf("reply not saved after client left: %+v", saved)
	}
}

func TestStart_ImagesOnLastUserTurn(t *testing.T) {
	ctx := context.Background()
	h := newMemHistory()
	conv, _ := h.CreateConversation(ctx, "alice")
	up := &fakeUpstream{chunks: textChunks("a cat")}
	svc := newTestService(up, h, newFileStore(t), nil)

	req := StartRequest{UserID: "alice", ConversationID: conv, Message: "what is it", Model: "llava", Images: []string{"aGk="}}
	if err := svc.Start(ctx, req, &recorder{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sent := up.lastRequest()
	if sent.Model != "llava" {
		t.Errorf("model = %q", sent.Model)
	}
	lastMsg := sent.Messages[len(sent.Messages)-1]
	if lastMsg.Role != model.RoleUser || len(lastMsg.Images) != 1 {
		t.Errorf("images not attached: %+v", lastMsg)
	}
}

func TestRecover_SurfacesOnceAfterRestart(t *testing.T) {
	ctx := context.Background()
	h := newMemHistory()
	conv, _ := h.CreateConversation(ctx, "alice")
	key := checkpoint.Key{UserID: "alice", ConversationID: conv}
	cps := newFileStore(t)
	if err := cps.Write(ctx, key, "partial text", false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// A fresh service has an empty registry, as after a restart.
	svc := newTestService(&fakeUpstream{}, h, cps, nil)

	pending, err := svc.PendingCheckpoints(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("PendingCheckpoints = %v, %v", pending, err)
	}

	got, err := svc.Recover(ctx, key)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got == nil || got.Content != "partial text"+RecoveredNote || !got.Partial {
		t.Fatalf("recovered = %+v", got)
	}
	msgs := h.all(conv)
	if len(msgs) != 1 || !msgs[0].Partial || msgs[0].ID != got.MessageID {
		t.Errorf("recovered message not saved as partial: %+v", msgs)
	}

	again, err := svc.Recover(ctx, key)
	if err != nil || again != nil {
		t.Errorf("second Recover = %+v, %v; want nil", again, err)
	}
}

func TestStart_RecoveredNoteStaysOutOfContext(t *testing.T) {
	ctx := context.Background()
	h := newMemHistory()
	conv, _ := h.CreateConversation(ctx, "alice")
	key := checkpoint.Key{UserID: "alice", ConversationID: conv}
	cps := newFileStore(t)
	if err := cps.Write(ctx, key, "partial text", false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	up := &fakeUpstream{chunks: textChunks("ok")}
	svc := newTestService(up, h, cps, nil)

	if err := svc.Start(ctx, StartRequest{UserID: "alice", ConversationID: conv, Message: "go on"}, &recorder{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	msgs := h.all(conv)
	if len(msgs) != 3 || msgs[0].Content != "partial text"+RecoveredNote {
		t.Fatalf("history = %+v, want the recovered reply first", msgs)
	}
	for _, m := range up.lastRequest().Messages {
		if strings.Contains(m.Content, RecoveredNote) {
			t.Errorf("recovery note sent upstream in %+v", m)
		}
	}
	if got := up.lastRequest().Messages[0]; got.Role != model.RoleAssistant || got.Content != "partial text" {
		t.Errorf("first upstream message = %+v", got)
	}
}

func TestRecover_CompleteCheckpointAfterHistoryFailure(t *testing.T) {
	ctx := context.Background()
	h := newMemHistory()
	conv, _ := h.CreateConversation(ctx, "alice")
	key := checkpoint.Key{UserID: "alice", ConversationID: conv}
	cps := newFileStore(t)
	svc := newTestService(&fakeUpstream{chunks: textChunks("whole ", "reply")}, h, cps, nil)

	h.setFailAssistant(true)
	rec := &recorder{}
	if err := svc.Start(ctx, StartRequest{UserID: "alice", ConversationID: conv, Message: "hi"}, rec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec.last().Type != EventDone {
		t.Fatalf("terminal = %q, want done", rec.last().Type)
	}
	st, _ := svc.Status(ctx, key)
	if st.Status != "complete" || st.Content != "whole reply" {
		t.Fatalf("status = %+v", st)
	}

	h.setFailAssistant(false)
	got, err := svc.Recover(ctx, key)
	if err != nil || got == nil {
		t.Fatalf("Recover = %+v, %v", got, err)
	}
	if got.Content != "whole reply" || got.Partial {
		t.Errorf("complete checkpoint recovered as %+v", got)
	}
}

func TestRecover_SkipsRunningSession(t *testing.T) {
	ctx := context.Background()
	h := newMemHistory()
	conv, _ := h.CreateConversation(ctx, "alice")
	key := checkpoint.Key{UserID: "alice", ConversationID: conv}
	gate := make(chan struct{})
	cps := newFileStore(t)
	svc := newTestService(&fakeUpstream{chunks: textChunks("live ", "text"), gate: gate}, h, cps, nil)

	rec := &recorder{}
	finished := make(chan error, 1)
	go func() {
		finished <- svc.Start(ctx, StartRequest{UserID: "alice", ConversationID: conv, Message: "hi"}, rec)
	}()
	gate <- struct{}{}
	waitFor(t, "first chunk accumulated", func() bool {
		st, _ := svc.Status(ctx, key)
		return st.Content == "live "
	})

	got, err := svc.Recover(ctx, key)
	if err != nil || got != nil {
		t.Errorf("Recover during generation = %+v, %v", got, err)
	}
	if err := svc.Clear(ctx, key); !errors.Is(err, ErrConflict) {
		t.Errorf("Clear during generation = %v, want ErrConflict", err)
	}
	st, _ := svc.Status(ctx, key)
	if st.Status != "running" || st.Content != "live " {
		t.Errorf("status = %+v", st)
	}

	close(gate)
	<-finished
}

func TestContinue_ExtendsPartialInPlace(t *testing.T) {
	ctx := context.Background()
	h := newMemHistory()
	conv, _ := h.CreateConversation(ctx, "alice")
	key := checkpoint.Key{UserID: "alice", ConversationID: conv}
	h.AppendMessage(ctx, key, HistoryMessage{Role: model.RoleUser, Content: "tell a story"})
	partialID, _ := h.AppendMessage(ctx, key, HistoryMessage{Role: model.RoleAssistant, Content: "Once upon" + RecoveredNote, Partial: true})

	up := &fakeUpstream{chunks: textChunks(" a time")}
	svc := newTestService(up, h, newFileStore(t), nil)

	rec := &recorder{}
	if err := svc.Continue(ctx, ContinueRequest{UserID: "alice", ConversationID: conv}, rec); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if rec.content() != " a time" || rec.last().Type != EventDone {
		t.Errorf("events = %+v", rec.snapshot())
	}

	msgs := h.all(conv)
	if len(msgs) != 2 {
		t.Fatalf("continue appended instead of updating: %+v", msgs)
	}
	if msgs[1].ID != partialID || msgs[1].Content != "Once upon a time" || msgs[1].Partial {
		t.Errorf("message not completed in place: %+v", msgs[1])
	}

	sent := up.lastRequest().Messages
	if sent[len(sent)-1].Content != continuePrompt {
		t.Errorf("continue prompt missing: %+v", sent)
	}
	if sent[len(sent)-2].Content != "Once upon" {
		t.Errorf("partial sent upstream as %q", sent[len(sent)-2].Content)
	}
}

func TestContinue_RequiresPartial(t *testing.T) {
	ctx := context.Background()
	h := newMemHistory()
	conv, _ := h.CreateConversation(ctx, "alice")
	key := checkpoint.Key{UserID: "alice", ConversationID: conv}
	h.AppendMessage(ctx, key, HistoryMessage{Role: model.RoleAssistant, Content: "done"})
	svc := newTestService(&fakeUpstream{}, h, newFileStore(t), nil)

	err := svc.Continue(ctx, ContinueRequest{UserID: "alice", ConversationID: conv}, &recorder{})
	if !errors.Is(err, ErrNotPartial) {
		t.Errorf("got %v, want ErrNotPartial", err)
	}
}

package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnidesk/internal/adapters/llm"
	"omnidesk/internal/apperr"
	"omnidesk/internal/db"
	"omnidesk/internal/dispatch"
	"omnidesk/internal/models"
	"omnidesk/internal/services"
)

type fakeGenerator struct {
	mu    sync.Mutex
	gen   *llm.Generation
	err   error
	calls int
	last  llm.Request
}

func (f *fakeGenerator) Generate(ctx context.Context, req llm.Request) (*llm.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	g := *f.gen
	return &g, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) FetchProfile(ctx context.Context, channel *models.Channel, userID string) (*models.Profile, error) {
	return &models.Profile{}, nil
}

func (f *fakeSender) SendText(ctx context.Context, channel *models.Channel, recipientID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recipientID+":"+text)
	if f.err != nil {
		return "", f.err
	}
	return "mid.reply", nil
}

type inlineDispatcher struct {
	mu     sync.Mutex
	events []string
}

func (d *inlineDispatcher) Publish(ev dispatch.Event) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev.Type)
	return ev.ID
}

func (d *inlineDispatcher) Submit(kind, key string, maxAttempts int, fn dispatch.TaskFunc) string {
	_ = fn(context.Background())
	return key
}

type agentFixture struct {
	store      *db.Store
	channel    *models.Channel
	contact    *models.Contact
	conv       *models.Conversation
	agent      *models.AIAgent
	gen        *fakeGenerator
	sender     *fakeSender
	dispatcher *inlineDispatcher
	sessions   *Sessions
	pipeline   *Pipeline
}

func setupAgent(t *testing.T) *agentFixture {
	t.Helper()
	store, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	f := &agentFixture{
		store:      store,
		gen:        &fakeGenerator{gen: &llm.Generation{Response: "Generated answer", Confidence: 0.95, Intent: "question", Sentiment: "neutral"}},
		sender:     &fakeSender{},
		dispatcher: &inlineDispatcher{},
	}

	f.channel = &models.Channel{CompanyID: "co1", Type: models.ChannelMessenger, ExternalID: "PAGE1",
		Credentials: models.JSONMap{"page_access_token": "tok"}}
	require.NoError(t, store.CreateChannel(ctx, f.channel))
	f.contact = &models.Contact{CompanyID: "co1", ChannelType: models.ChannelMessenger, ExternalID: "PSID1", Name: "Ana Souza"}
	_, err = store.CreateContactIfAbsent(ctx, f.contact)
	require.NoError(t, err)
	f.conv = &models.Conversation{CompanyID: "co1", ChannelID: f.channel.ID, ContactID: f.contact.ID}
	_, err = store.CreateConversationIfAbsent(ctx, f.conv)
	require.NoError(t, err)
	f.agent = &models.AIAgent{CompanyID: "co1", Name: "Bia", Status: models.AgentActive, ConfidenceThreshold: 0.8,
		MaxMessagesPerSession: 5, SessionTimeoutMinutes: 30, FallbackType: models.FallbackMessage,
		FallbackMessage: "Sorry, I did not understand."}
	require.NoError(t, store.CreateAgent(ctx, f.agent))
	require.NoError(t, store.BindAgentChannel(ctx, f.agent.ID, f.channel.ID, true))

	f.sessions, err = NewSessions(store, f.dispatcher)
	require.NoError(t, err)
	messages, err := services.NewMessageSyncService(store)
	require.NoError(t, err)
	f.pipeline, err = NewPipeline(store, f.sessions, messages,
		services.Providers{models.ChannelMessenger: f.sender}, f.gen, f.dispatcher)
	require.NoError(t, err)
	return f
}

func (f *agentFixture) process(t *testing.T, text string) *ProcessResult {
	t.Helper()
	res, err := f.pipeline.Process(context.Background(), ProcessRequest{
		EventType: EventMessageReceived, ConversationID: f.conv.ID, CompanyID: "co1", Message: text,
	})
	require.NoError(t, err)
	return res
}

func (f *agentFixture) outgoing(t *testing.T) []models.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), f.conv.ID)
	require.NoError(t, err)
	var out []models.Message
	for _, m := range msgs {
		if m.Direction == models.DirectionOutgoing {
			out = append(out, m)
		}
	}
	return out
}

func TestProcessGeneratesReply(t *testing.T) {
	f := setupAgent(t)

	res := f.process(t, "What can you do?")
	assert.True(t, res.Processed)
	assert.Equal(t, "Generated answer", res.Response)
	assert.False(t, res.ShouldHandoff)
	require.NotNil(t, res.Confidence)
	assert.InDelta(t, 0.95, *res.Confidence, 1e-9)
	assert.NotEmpty(t, res.SessionID)

	assert.Equal(t, []string{"PSID1:Generated answer"}, f.sender.sent)
	out := f.outgoing(t)
	require.Len(t, out, 1)
	assert.Equal(t, models.MessageSent, out[0].Status)
	assert.Equal(t, "mid.reply", out[0].ExternalID)

	sess, err := f.store.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.MessagesReceived)
	assert.Equal(t, 1, sess.MessagesSent)
	assert.Equal(t, models.StringList{"question"}, sess.IntentHistory)
	assert.Equal(t, models.FloatList{0.95}, sess.ConfidenceScores)

	assert.Contains(t, f.dispatcher.events, dispatch.EventSessionStarted)
	assert.Contains(t, f.dispatcher.events, dispatch.EventAgentReplied)
	assert.Equal(t, "Ana Souza", f.gen.last.Context["contact_name"])
}

func TestProcessLowConfidenceSendsFallback(t *testing.T) {
	f := setupAgent(t)
	f.gen.gen = &llm.Generation{Response: "Not sure", Confidence: 0.5}

	res := f.process(t, "blorp")
	assert.True(t, res.Processed)
	assert.Equal(t, "Sorry, I did not understand.", res.Response)
	assert.True(t, res.IsFallback)
	assert.False(t, res.ShouldHandoff)

	sess, err := f.store.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, sess.Status)
	// the generated text is still scored for analytics
	assert.Equal(t, models.FloatList{0.5}, sess.ConfidenceScores)
}

func TestProcessLowConfidenceHandoff(t *testing.T) {
	f := setupAgent(t)
	ctx := context.Background()
	f.gen.gen = &llm.Generation{Response: "Not sure", Confidence: 0.5}

	// swap in an agent whose fallback is a handoff
	require.NoError(t, f.store.BindAgentChannel(ctx, f.agent.ID, f.channel.ID, false))
	handoffAgent := &models.AIAgent{CompanyID: "co1", Name: "Caio", Status: models.AgentActive, ConfidenceThreshold: 0.8,
		MaxMessagesPerSession: 5, FallbackType: models.FallbackHandoff}
	require.NoError(t, f.store.CreateAgent(ctx, handoffAgent))
	require.NoError(t, f.store.BindAgentChannel(ctx, handoffAgent.ID, f.channel.ID, true))

	res := f.process(t, "blorp")
	assert.True(t, res.ShouldHandoff)
	assert.Equal(t, ReasonLowConfidence, res.HandoffReason)

	conv, err := f.store.GetConversation(ctx, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationWaiting, conv.Status)
	assert.Empty(t, f.sender.sent)
}

func TestProcessSessionLimitShortCircuits(t *testing.T) {
	f := setupAgent(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateSkill(ctx, &models.Skill{AgentID: f.agent.ID, Name: "hi",
		MatchPatterns: models.StringList{"hello"}, Responses: models.StringList{"Hi there"}, IsEnabled: true}))

	sess, err := f.sessions.GetOrCreate(ctx, f.agent, f.conv)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.sessions.RecordInbound(ctx, sess)
		require.NoError(t, err)
	}

	res := f.process(t, "hello")
	assert.True(t, res.ShouldHandoff)
	assert.Equal(t, ReasonSessionLimit, res.HandoffReason)
	assert.Empty(t, res.SkillID)
	assert.Zero(t, f.gen.calls)

	stored, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionHandedOff, stored.Status)
	assert.Equal(t, ReasonSessionLimit, stored.HandoffReason)
	assert.NotNil(t, stored.EndedAt)
	assert.Contains(t, f.dispatcher.events, dispatch.EventSessionHandedOff)
}

func TestProcessRulePriority(t *testing.T) {
	f := setupAgent(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateHandoffRule(ctx, &models.HandoffRule{AgentID: f.agent.ID, Priority: 2,
		ConditionType: models.ConditionKeyword, ConditionValue: "human", ReasonCode: "R2", IsEnabled: true}))
	require.NoError(t, f.store.CreateHandoffRule(ctx, &models.HandoffRule{AgentID: f.agent.ID, Priority: 1,
		ConditionType: models.ConditionKeyword, ConditionValue: "human", ReasonCode: "R1",
		PreMessage: "Connecting you to a person", IsEnabled: true}))

	res := f.process(t, "I want a human")
	assert.True(t, res.ShouldHandoff)
	assert.Equal(t, "R1", res.HandoffReason)
	assert.Equal(t, "Connecting you to a person", res.Response)
	assert.Zero(t, f.gen.calls)
	assert.Equal(t, []string{"PSID1:Connecting you to a person"}, f.sender.sent)
}

func TestProcessSkillMatch(t *testing.T) {
	f := setupAgent(t)
	ctx := context.Background()
	sk := &models.Skill{AgentID: f.agent.ID, Name: "greeting", MatchPatterns: models.StringList{"olá", "hello"},
		Responses: models.StringList{"Hi {{first_name}}, I'm {{agent_name}}. {{unknown}}"}, IsEnabled: true}
	require.NoError(t, f.store.CreateSkill(ctx, sk))

	res := f.process(t, "Ola!")
	assert.True(t, res.Processed)
	assert.Equal(t, sk.ID, res.SkillID)
	assert.Equal(t, "Hi Ana, I'm Bia. ", res.Response)
	require.NotNil(t, res.Confidence)
	assert.Equal(t, 1.0, *res.Confidence)
	assert.Zero(t, f.gen.calls)
}

func TestProcessGenerationFailure(t *testing.T) {
	f := setupAgent(t)
	f.gen.err = errors.New("connection reset")

	_, err := f.pipeline.Process(context.Background(), ProcessRequest{ConversationID: f.conv.ID, Message: "hi"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
	assert.Empty(t, f.sender.sent)
}

func TestProcessSkipsAndErrors(t *testing.T) {
	f := setupAgent(t)
	ctx := context.Background()

	_, err := f.pipeline.Process(ctx, ProcessRequest{ConversationID: "missing"})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = f.pipeline.Process(ctx, ProcessRequest{ConversationID: f.conv.ID, CompanyID: "other", Message: "x"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	// nothing to answer yet
	_, err = f.pipeline.Process(ctx, ProcessRequest{ConversationID: f.conv.ID})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	require.NoError(t, f.store.SetConversationStatus(ctx, f.conv.ID, models.ConversationWaiting))
	res := f.process(t, "hello?")
	assert.False(t, res.Processed)
	assert.Equal(t, ReasonHumanHandling, res.Reason)

	require.NoError(t, f.store.BindAgentChannel(ctx, f.agent.ID, f.channel.ID, false))
	res = f.process(t, "hello?")
	assert.False(t, res.Processed)
	assert.Equal(t, ReasonNoActiveAgent, res.Reason)
}

func TestProcessUsesLatestIncomingMessage(t *testing.T) {
	f := setupAgent(t)
	ctx := context.Background()
	_, err := f.store.InsertIncomingMessage(ctx, &models.Message{ConversationID: f.conv.ID, ContactID: f.contact.ID,
		Content: "Where is my order?", MessageType: models.MessageText, Direction: models.DirectionIncoming,
		ExternalID: "mid.1", Status: models.MessageReceived, Timestamp: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	res, err := f.pipeline.Process(ctx, ProcessRequest{ConversationID: f.conv.ID})
	require.NoError(t, err)
	assert.True(t, res.Processed)
	assert.Equal(t, "Where is my order?", f.gen.last.Content)
	assert.Empty(t, f.gen.last.History)
}

func TestConversationResolvedCompletesSession(t *testing.T) {
	f := setupAgent(t)
	ctx := context.Background()
	first := f.process(t, "hi")

	res, err := f.pipeline.Process(ctx, ProcessRequest{EventType: EventConversationResolved, ConversationID: f.conv.ID})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, res.SessionID)

	sess, err := f.store.GetSession(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, sess.Status)
}

func TestSessionSingletonUnderConcurrency(t *testing.T) {
	f := setupAgent(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := f.sessions.GetOrCreate(ctx, f.agent, f.conv)
			if assert.NoError(t, err) {
				ids[i] = sess.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	n, err := f.store.CountSessions(ctx, f.agent.ID, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIdleSessionIsReplaced(t *testing.T) {
	f := setupAgent(t)
	ctx := context.Background()

	old, err := f.sessions.GetOrCreate(ctx, f.agent, f.conv)
	require.NoError(t, err)

	f.sessions.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	fresh, err := f.sessions.GetOrCreate(ctx, f.agent, f.conv)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)

	stored, err := f.store.GetSession(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, stored.Status)
	assert.Contains(t, f.dispatcher.events, dispatch.EventSessionExpired)
}

func TestRecordTurnRetriesOnConflict(t *testing.T) {
	f := setupAgent(t)
	ctx := context.Background()

	sess, err := f.sessions.GetOrCreate(ctx, f.agent, f.conv)
	require.NoError(t, err)
	stale := *sess

	c1, c2 := 0.9, 0.4
	require.NoError(t, f.sessions.RecordTurn(ctx, sess, Turn{Intent: "a", Confidence: &c1, Sent: 1}))
	require.NoError(t, f.sessions.RecordTurn(ctx, &stale, Turn{Intent: "b", Confidence: &c2, Sent: 1}))

	stored, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StringList{"a", "b"}, stored.IntentHistory)
	assert.Equal(t, models.FloatList{0.9, 0.4}, stored.ConfidenceScores)
	assert.Equal(t, 2, stored.MessagesSent)
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	f := setupAgent(t)
	ctx := context.Background()

	sess, err := f.sessions.GetOrCreate(ctx, f.agent, f.conv)
	require.NoError(t, err)

	sw, err := NewSweeper(f.store, f.sessions, "@every 1m")
	require.NoError(t, err)

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.sessions.now = func() time.Time { return time.Now().UTC().Add(31 * time.Minute) }
	n, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, stored.Status)

	_, err = NewSweeper(f.store, f.sessions, "not a schedule")
	assert.Error(t, err)
}

// gatedGenerator blocks inside Generate until released.
type gatedGenerator struct {
	inner   Generator
	entered chan struct{}
	release chan struct{}
}

func (g *gatedGenerator) Generate(ctx context.Context, req llm.Request) (*llm.Generation, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.inner.Generate(ctx, req)
}

func TestProcessNoReplyAfterConcurrentHandoff(t *testing.T) {
	f := setupAgent(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateHandoffRule(ctx, &models.HandoffRule{AgentID: f.agent.ID, Priority: 1,
		ConditionType: models.ConditionKeyword, ConditionValue: "human", ReasonCode: "R1",
		PreMessage: "Connecting you to a person", IsEnabled: true}))

	gated := &gatedGenerator{inner: f.gen, entered: make(chan struct{}), release: make(chan struct{})}
	slowPipeline, err := NewPipeline(f.store, f.sessions, f.pipeline.messages,
		services.Providers{models.ChannelMessenger: f.sender}, gated, f.dispatcher)
	require.NoError(t, err)

	type outcome struct {
		res *ProcessResult
		err error
	}
	slow := make(chan outcome, 1)
	go func() {
		res, err := slowPipeline.Process(ctx, ProcessRequest{ConversationID: f.conv.ID, Message: "hello"})
		slow <- outcome{res, err}
	}()
	<-gated.entered

	fast := f.process(t, "I want a human")
	require.True(t, fast.ShouldHandoff)
	assert.Equal(t, "R1", fast.HandoffReason)

	close(gated.release)
	got := <-slow
	require.NoError(t, got.err)
	assert.False(t, got.res.Processed)
	assert.Equal(t, ReasonSessionClosed, got.res.Reason)
	assert.Equal(t, fast.SessionID, got.res.SessionID)

	assert.Equal(t, []string{"PSID1:Connecting you to a person"}, f.sender.sent)
	sess, err := f.store.GetSession(ctx, fast.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionHandedOff, sess.Status)
	assert.Empty(t, sess.IntentHistory)
	conv, err := f.store.GetConversation(ctx, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationWaiting, conv.Status)
}

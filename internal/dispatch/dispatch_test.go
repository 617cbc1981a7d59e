package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	name     string
	failures int32
	mu       sync.Mutex
	events   []Event
}

func (f *fakePublisher) Name() string { return f.name }

func (f *fakePublisher) Publish(ctx context.Context, ev Event) error {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return errors.New("broker unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func newTestManager(pubs ...Publisher) *Manager {
	return NewManager(Options{MaxRetries: 3, RetryBackoff: time.Millisecond, Timeout: time.Second}, pubs...)
}

func TestPublishFansOutToAllPublishers(t *testing.T) {
	a := &fakePublisher{name: "a"}
	b := &fakePublisher{name: "b"}
	m := newTestManager(a, b)

	id := m.Publish(NewEvent(EventMessageReceived, "co1", map[string]any{"message_id": "m1"}))
	m.Wait()

	assert.NotEmpty(t, id)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, 0, m.PendingCount())
}

func TestPublishRetriesOnlyFailedTargets(t *testing.T) {
	ok := &fakePublisher{name: "ok"}
	flaky := &fakePublisher{name: "flaky", failures: 1}
	m := newTestManager(ok, flaky)

	id := m.Publish(NewEvent(EventAgentReplied, "co1", nil))
	m.Wait()

	task, found := m.Task(id)
	require.True(t, found)
	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Equal(t, 1, task.AttemptCount)
	assert.Contains(t, task.LastError, "broker unavailable")

	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, 1, m.retryDue())
	m.Wait()

	assert.Equal(t, 1, ok.count(), "a target that succeeded is not retried")
	assert.Equal(t, 1, flaky.count())
	_, found = m.Task(id)
	assert.False(t, found)
}

func TestSubmitSingleAttemptFailsPermanently(t *testing.T) {
	m := newTestManager()
	var calls int32
	id := m.Submit(KindSend, "conv1", 1, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("graph api 500")
	})
	m.Wait()

	task, found := m.Task(id)
	require.True(t, found)
	assert.Equal(t, TaskStatusFailed, task.Status)
	assert.Equal(t, 0, m.retryDue())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	require.NoError(t, m.ForceRetry(id))
	m.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.ErrorIs(t, m.ForceRetry("missing"), ErrTaskNotFound)
}

func TestSubmitRecoversPanics(t *testing.T) {
	m := newTestManager()
	id := m.Submit(KindMedia, "m1", 1, func(ctx context.Context) error { panic("boom") })
	m.Wait()
	task, found := m.Task(id)
	require.True(t, found)
	assert.Contains(t, task.LastError, "panic: boom")
}

func TestTasksListingAndRetryAll(t *testing.T) {
	m := newTestManager()
	fail := func(ctx context.Context) error { return errors.New("nope") }
	m.Submit(KindSend, "a", 1, fail)
	m.Submit(KindMedia, "b", 1, fail)
	m.Submit(KindMedia, "c", 1, fail)
	m.Wait()

	all, total := m.Tasks("", 0)
	assert.Len(t, all, 3)
	assert.Equal(t, 3, total)

	media, total := m.Tasks(KindMedia, 1)
	assert.Len(t, media, 1)
	assert.Equal(t, 2, total)

	assert.Equal(t, 3, m.RetryAll())
	m.Wait()
	assert.Equal(t, 3, m.PendingCount())
}

func TestFailedTasksAreBounded(t *testing.T) {
	m := NewManager(Options{MaxRetries: 1, MaxFailedKept: 2})
	for i := 0; i < 5; i++ {
		m.Submit(KindSend, "", 1, func(ctx context.Context) error { return errors.New("x") })
		m.Wait()
	}
	assert.Equal(t, 2, m.PendingCount())
}

func TestPublishWithoutPublishers(t *testing.T) {
	m := newTestManager()
	assert.Empty(t, m.Publish(NewEvent(EventSessionStarted, "co1", nil)))
}

func TestQueueName(t *testing.T) {
	specific := map[string]bool{EventSessionHandedOff: true}
	assert.Equal(t, "omnidesk_session_handed_off", queueName("omnidesk", "omnidesk_events", specific, EventSessionHandedOff))
	assert.Equal(t, "omnidesk_omnidesk_events", queueName("omnidesk", "omnidesk_events", specific, EventMessageReceived))
}

func TestWebhookPublisher(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, EventConversationCreated, r.Header.Get("X-Event-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, err := NewWebhookPublisher(srv.URL, "json", time.Second)
	require.NoError(t, err)
	ev := NewEvent(EventConversationCreated, "co1", map[string]any{"conversation_id": "c1"})
	require.NoError(t, p.Publish(context.Background(), ev))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "c1", got.Data["conversation_id"])
}

func TestWebhookPublisherForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, EventAgentReplied, r.PostForm.Get("type"))
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("jsonData")), &ev))
		assert.Equal(t, "co1", ev.CompanyID)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := NewWebhookPublisher(srv.URL, "form", time.Second)
	require.NoError(t, err)
	err = p.Publish(context.Background(), NewEvent(EventAgentReplied, "co1", nil))
	assert.ErrorContains(t, err, "500")
}

func TestAgentTasksRunOnePerKey(t *testing.T) {
	m := newTestManager()

	var running, peak int32
	release := make(chan struct{})
	started := make(chan string, 3)
	work := func(name string) TaskFunc {
		return func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			defer atomic.AddInt32(&running, -1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			started <- name
			<-release
			return nil
		}
	}

	m.Submit(KindAgent, "conv1", 1, work("first"))
	m.Submit(KindAgent, "conv1", 1, work("second"))
	m.Submit(KindAgent, "conv2", 1, work("other"))

	// One conv1 task and the conv2 task start; the other conv1 task waits.
	got := map[string]bool{<-started: true, <-started: true}
	assert.True(t, got["other"])
	select {
	case name := <-started:
		t.Fatalf("task %s started while another task for the same conversation was running", name)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-started
	m.Wait()
	assert.EqualValues(t, 2, atomic.LoadInt32(&peak))
	assert.Equal(t, 0, m.PendingCount())
}

func TestSendTasksAreNotSerialized(t *testing.T) {
	m := newTestManager()

	var wg sync.WaitGroup
	wg.Add(2)
	both := make(chan struct{})
	for i := 0; i < 2; i++ {
		m.Submit(KindSend, "same", 1, func(ctx context.Context) error {
			wg.Done()
			select {
			case <-both:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
	}
	wg.Wait()
	close(both)
	m.Wait()
	assert.Equal(t, 0, m.PendingCount())
}

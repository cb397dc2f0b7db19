package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/nexcron/internal/cron"
	"github.com/aatumaykin/nexcron/internal/llm"
	"github.com/aatumaykin/nexcron/internal/logger"
	"github.com/aatumaykin/nexcron/internal/retry"
)

type delivery struct {
	owner string
	text  string
}

type recordingDeliverer struct {
	mu   sync.Mutex
	got  []delivery
	fail error
}

func (d *recordingDeliverer) Deliver(_ context.Context, ownerID, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, delivery{ownerID, text})
	return d.fail
}

type flakyProvider struct {
	llm.Provider
	failures int
	calls    int
}

func (p *flakyProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.calls++
	if p.calls <= p.failures {
		return nil, errors.New("connection reset by peer")
	}
	return p.Provider.Chat(ctx, req)
}

var wakeTime = time.Date(2026, 6, 1, 9, 0, 0, 0, time.Local)

func newTestWaker(t *testing.T, content string, provider llm.Provider, d *recordingDeliverer) *Waker {
	t.Helper()
	opts := Options{
		Retry: retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Now:   func() time.Time { return wakeTime },
	}
	var deliverer cron.Deliverer
	if d != nil {
		deliverer = d
	}
	return NewWaker(NewLoader(writeHeartbeat(t, content), logger.Discard()), provider, deliverer, logger.Discard(), opts)
}

func TestWaker_OKIsSilent(t *testing.T) {
	provider := llm.NewFixedProvider("All quiet.\nHEARTBEAT_OK")
	d := &recordingDeliverer{}
	w := newTestWaker(t, sampleHeartbeat, provider, d)

	require.NoError(t, w.TriggerPeriodicWake(context.Background(), "alice"))
	assert.Empty(t, d.got)

	calls := provider.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 2)
	assert.Equal(t, llm.RoleSystem, calls[0].Messages[0].Role)
	prompt := calls[0].Messages[1].Content
	assert.Contains(t, prompt, "Owner: alice")
	assert.Contains(t, prompt, "Tasks due now:\n- Daily Standup (0 9 * * *)")
	assert.Contains(t, prompt, "### Weekly Summary")
}

func TestWaker_DeliversAction(t *testing.T) {
	d := &recordingDeliverer{}
	w := newTestWaker(t, sampleHeartbeat, llm.NewFixedProvider("  Standup reminder: 3 tasks blocked.  "), d)

	require.NoError(t, w.TriggerPeriodicWake(context.Background(), "alice"))
	assert.Equal(t, []delivery{{"alice", "Standup reminder: 3 tasks blocked."}}, d.got)
}

func TestWaker_DeliveryFailure(t *testing.T) {
	d := &recordingDeliverer{fail: errors.New("chat not found")}
	w := newTestWaker(t, sampleHeartbeat, llm.NewFixedProvider("ping"), d)

	err := w.TriggerPeriodicWake(context.Background(), "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestWaker_NoDeliverer(t *testing.T) {
	w := newTestWaker(t, sampleHeartbeat, llm.NewFixedProvider("ping"), nil)
	assert.NoError(t, w.TriggerPeriodicWake(context.Background(), "alice"))
}

func TestWaker_EmptyFileSkipsModel(t *testing.T) {
	provider := llm.NewFixedProvider("ping")
	w := newTestWaker(t, "  \n", provider, &recordingDeliverer{})

	require.NoError(t, w.TriggerPeriodicWake(context.Background(), "alice"))
	assert.Empty(t, provider.Calls())
}

func TestWaker_EmptyResponse(t *testing.T) {
	w := newTestWaker(t, sampleHeartbeat, llm.NewFixedProvider(" "), &recordingDeliverer{})
	assert.ErrorIs(t, w.TriggerPeriodicWake(context.Background(), "alice"), ErrEmptyResponse)
}

func TestWaker_RetriesTransientErrors(t *testing.T) {
	provider := &flakyProvider{Provider: llm.NewFixedProvider(OKToken), failures: 2}
	w := newTestWaker(t, sampleHeartbeat, provider, &recordingDeliverer{})

	require.NoError(t, w.TriggerPeriodicWake(context.Background(), "alice"))
	assert.Equal(t, 3, provider.calls)

	provider = &flakyProvider{Provider: llm.NewFixedProvider(OKToken), failures: 5}
	w = newTestWaker(t, sampleHeartbeat, provider, &recordingDeliverer{})
	err := w.TriggerPeriodicWake(context.Background(), "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat check failed")
	assert.Equal(t, 3, provider.calls)
}

func TestWaker_DueWindowAdvances(t *testing.T) {
	provider := llm.NewFixedProvider(OKToken)
	w := newTestWaker(t, sampleHeartbeat, provider, nil)

	require.NoError(t, w.TriggerPeriodicWake(context.Background(), "alice"))
	require.NoError(t, w.TriggerPeriodicWake(context.Background(), "alice"))

	calls := provider.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].Messages[1].Content, "Tasks due now")
	assert.NotContains(t, calls[1].Messages[1].Content, "Tasks due now", "same instant has nothing new")
}

func TestIsOK(t *testing.T) {
	assert.True(t, IsOK("HEARTBEAT_OK"))
	assert.True(t, IsOK("\nHEARTBEAT_OK\n"))
	assert.True(t, IsOK("Checked everything.\n  HEARTBEAT_OK"))
	assert.False(t, IsOK("HEARTBEAT_OK but also remind Bob"))
	assert.False(t, IsOK("Reminder: call Bob"))
}

package blast

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blast/internal/model"
	"blast/internal/pacing"
	"blast/internal/quota"
)

func quotaCounterZero() quota.Counter { return quota.Counter{} }

type sentMsg struct {
	address string
	text    string
	media   *model.Media
}

type fakeTransport struct {
	mu           sync.Mutex
	readyCalls   int
	notReadyFrom int // Ready() returns false from this call count on; 0 = always ready
	unregistered map[string]bool
	regErr       map[string]error
	sendErr      map[string]error
	typed        []string
	sent         []sentMsg
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		unregistered: map[string]bool{},
		regErr:       map[string]error{},
		sendErr:      map[string]error{},
	}
}

func (f *fakeTransport) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyCalls++
	return f.notReadyFrom == 0 || f.readyCalls < f.notReadyFrom
}

func (f *fakeTransport) IsRegistered(_ context.Context, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.regErr[address]; ok {
		return false, err
	}
	return !f.unregistered[address], nil
}

func (f *fakeTransport) SendTyping(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed = append(f.typed, address)
	return nil
}

func (f *fakeTransport) Send(_ context.Context, address, text string, media *model.Media) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.sendErr[address]; ok {
		return err
	}
	f.sent = append(f.sent, sentMsg{address: address, text: text, media: media})
	return nil
}

type fakeStore struct {
	mu       sync.Mutex
	counters map[string]int
	runs     []*model.Run
}

func newFakeStore() *fakeStore {
	return &fakeStore{counters: map[string]int{}}
}

func (f *fakeStore) SaveDailyCounter(accountID, date string, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[accountID+"/"+date] = count
	return nil
}

func (f *fakeStore) SaveRun(run *model.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeStore) savedRuns() []*model.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.Run(nil), f.runs...)
}

func fastSettings() model.Settings {
	return model.Settings{
		MinDelaySec:       1,
		MaxDelaySec:       1,
		WarmupMessages:    0,
		WarmupDelayMinSec: 1,
		WarmupDelayMaxSec: 1,
		BatchSize:         25,
		BatchRestMinSec:   1,
		BatchRestMaxSec:   1,
		DailyLimit:        300,
		CountryCode:       "62",
	}
}

func newTestController(store Store) *Controller {
	c := NewController(store, NewBus(), zerolog.Nop())
	c.sleep = func(<-chan struct{}, time.Duration) {}
	c.newRand = func() pacing.Rand { return rand.New(rand.NewSource(42)) }
	return c
}

func collectUntilDone(t *testing.T, ch <-chan model.Event) []model.Event {
	t.Helper()
	var evs []model.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			evs = append(evs, ev)
			if ev.Type == model.EventRunCompleted {
				return evs
			}
		case <-timeout:
			t.Fatal("timed out waiting for run completion")
		}
	}
}

func countEvents(evs []model.Event, typ string) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func threeRecipients() []model.Recipient {
	return []model.Recipient{
		{Address: "08111", Name: "Ani"},
		{Address: "08222", Name: "Budi"},
		{Address: "08333"},
	}
}

func TestStartRejections(t *testing.T) {
	c := newTestController(newFakeStore())
	tr := newFakeTransport()
	s := NewSession("acc", fastSettings(), quotaCounterZero())

	_, err := c.Start(s, tr, StartRequest{Message: "hi"})
	assert.ErrorIs(t, err, ErrNoRecipients)

	_, err = c.Start(s, tr, StartRequest{Recipients: threeRecipients()})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	tr.notReadyFrom = 1
	_, err = c.Start(s, tr, StartRequest{Recipients: threeRecipients(), Message: "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestStartRejectsInvalidSettings(t *testing.T) {
	c := newTestController(newFakeStore())
	cfg := fastSettings()
	cfg.BatchSize = 0
	s := NewSession("acc", cfg, quotaCounterZero())

	_, err := c.Start(s, newFakeTransport(), StartRequest{Recipients: threeRecipients(), Message: "hi"})
	assert.Error(t, err)
}

func TestStartRejectsConcurrentRun(t *testing.T) {
	store := newFakeStore()
	c := NewController(store, NewBus(), zerolog.Nop())
	release := make(chan struct{})
	c.sleep = func(stop <-chan struct{}, _ time.Duration) {
		select {
		case <-release:
		case <-stop:
		}
	}
	tr := newFakeTransport()
	s := NewSession("acc", fastSettings(), quotaCounterZero())

	_, err := c.Start(s, tr, StartRequest{Recipients: threeRecipients(), Message: "hi"})
	require.NoError(t, err)

	_, err = c.Start(s, tr, StartRequest{Recipients: threeRecipients(), Message: "hi"})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	ch, cancel := c.bus.Subscribe(256)
	defer cancel()
	close(release)
	collectUntilDone(t, ch)
}

func TestStartSnapshotIndependentOfWorker(t *testing.T) {
	store := newFakeStore()
	c := NewController(store, NewBus(), zerolog.Nop())
	release := make(chan struct{})
	c.sleep = func(stop <-chan struct{}, _ time.Duration) {
		select {
		case <-release:
		case <-stop:
		}
	}
	tr := newFakeTransport()
	s := NewSession("acc", fastSettings(), quotaCounterZero())

	run, err := c.Start(s, tr, StartRequest{Recipients: threeRecipients(), Message: "hi"})
	require.NoError(t, err)

	// The snapshot is taken before the worker starts, so it is always
	// the pristine run, and mutating it never reaches the session.
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Equal(t, 3, run.Total)
	assert.Empty(t, run.Results)
	run.Sent = 99
	run.Results = append(run.Results, model.Result{Address: "tampered"})
	assert.NotEqual(t, 99, s.CurrentRun().Sent)

	ch, cancel := c.bus.Subscribe(256)
	defer cancel()
	close(release)
	collectUntilDone(t, ch)
	assert.Equal(t, 3, s.CurrentRun().Sent)
}

func TestRunAllDelivered(t *testing.T) {
	store := newFakeStore()
	c := newTestController(store)
	tr := newFakeTransport()
	s := NewSession("acc", fastSettings(), quotaCounterZero())
	ch, cancel := c.bus.Subscribe(256)
	defer cancel()

	run, err := c.Start(s, tr, StartRequest{Recipients: threeRecipients(), Message: "Halo {name}"})
	require.NoError(t, err)
	assert.Equal(t, 3, run.Total)

	evs := collectUntilDone(t, ch)
	final := evs[len(evs)-1].Run
	assert.Equal(t, model.RunStatusCompleted, final.Status)
	assert.Equal(t, 3, final.Sent)
	assert.Equal(t, 0, final.Failed)
	assert.Equal(t, 2, countEvents(evs, model.EventWaiting))
	assert.Equal(t, 0, countEvents(evs, model.EventBatchRest))
	assert.Equal(t, 3, countEvents(evs, model.EventProgress))

	require.Len(t, tr.sent, 3)
	assert.Equal(t, "628111@s.whatsapp.net", tr.sent[0].address)
	assert.Equal(t, "Halo Ani", tr.sent[0].text)
	assert.Equal(t, "Halo ", tr.sent[2].text)

	require.Len(t, store.savedRuns(), 1)
	assert.Equal(t, model.RunStatusCompleted, store.savedRuns()[0].Status)
}

func TestRunUnregisteredRecipientRecovered(t *testing.T) {
	c := newTestController(newFakeStore())
	tr := newFakeTransport()
	tr.unregistered["628222@s.whatsapp.net"] = true
	s := NewSession("acc", fastSettings(), quotaCounterZero())
	ch, cancel := c.bus.Subscribe(256)
	defer cancel()

	_, err := c.Start(s, tr, StartRequest{Recipients: threeRecipients(), Message: "hi"})
	require.NoError(t, err)

	evs := collectUntilDone(t, ch)
	final := evs[len(evs)-1].Run
	assert.Equal(t, model.RunStatusCompleted, final.Status)
	assert.Equal(t, 2, final.Sent)
	assert.Equal(t, 1, final.Failed)
	require.Len(t, final.Results, 3)
	assert.Equal(t, model.ResultStatusFailed, final.Results[1].Status)
	assert.Equal(t, NotRegisteredReason, final.Results[1].Error)
	assert.Len(t, tr.sent, 2)
}

func TestRunRegistrationLookupErrorRecovered(t *testing.T) {
	c := newTestController(newFakeStore())
	tr := newFakeTransport()
	tr.regErr["628222@s.whatsapp.net"] = errors.New("server 503")
	s := NewSession("acc", fastSettings(), quotaCounterZero())
	ch, cancel := c.bus.Subscribe(256)
	defer cancel()

	_, err := c.Start(s, tr, StartRequest{Recipients: threeRecipients(), Message: "hi"})
	require.NoError(t, err)

	evs := collectUntilDone(t, ch)
	final := evs[len(evs)-1].Run
	assert.Equal(t, model.RunStatusCompleted, final.Status)
	assert.Equal(t, 2, final.Sent)
	assert.Equal(t, 1, final.Failed)
	assert.Contains(t, final.Results[1].Error, NotRegisteredReason)
	assert.Contains(t, final.Results[1].Error, "server 503")
}

func TestRunDeliveryFailureRecovered(t *testing.T) {
	c := newTestController(newFakeStore())
	tr := newFakeTransport()
	tr.sendErr["628111@s.whatsapp.net"] = errors.New("delivery rejected")
	s := NewSession("acc", fastSettings(), quotaCounterZero())
	ch, cancel := c.bus.Subscribe(256)
	defer cancel()

	_, err := c.Start(s, tr, StartRequest{Recipients: threeRecipients(), Message: "hi"})
	require.NoError(t, err)

	evs := collectUntilDone(t, ch)
	final := evs[len(evs)-1].Run
	assert.Equal(t, model.RunStatusCompleted, final.Status)
	assert.Equal(t, 2, final.Sent)
	assert.Equal(t, 1, final.Failed)
	assert.Equal(t, "delivery rejected", final.Results[0].Error)
}

func TestRunQuotaExhausted(t *testing.T) {
	store := newFakeStore()
	c := newTestController(store)
	tr := newFakeTransport()
	cfg := fastSettings()
	cfg.DailyLimit = 1
	s := NewSession("acc", cfg, quotaCounterZero())
	ch, cancel := c.bus.Subscribe(256)
	defer cancel()

	_, err := c.Start(s, tr, StartRequest{Recipients: threeRecipients(), Message: "hi"})
	require.NoError(t, err)

	evs := collectUntilDone(t, ch)
	final := evs[len(evs)-1].Run
	assert.Equal(t, model.RunStatusQuotaExhausted, final.Status)
	assert.Equal(t, 1, final.Sent)
	assert.Equal(t, 0, final.Failed)
	assert.Equal(t, 3, final.Total)
	assert.Equal(t, 1, countEvents(evs, model.EventLimitReached))
	assert.Len(t, tr.sent, 1)
	// Only recipient 1 was ever attempted.
	assert.Len(t, final.Results, 1)
}

func TestRunStoppedDuringWait(t *testing.T) {
	c := newTestController(newFakeStore())
	tr := newFakeTransport()
	s := NewSession("acc", fastSettings(), quotaCounterZero())
	var waits atomic.Int32
	c.sleep = func(stop <-chan struct{}, d time.Duration) {
		if waits.Add(1) == 1 {
			c.Stop(s)
		}
	}
	ch, cancel := c.bus.Subscribe(256)
	defer cancel()

	_, err := c.Start(s, tr, StartRequest{Recipients: threeRecipients(), Message: "hi"})
	require.NoError(t, err)

	evs := collectUntilDone(t, ch)
	final := evs[len(evs)-1].Run
	assert.Equal(t, model.RunStatusStopped, final.Status)
	assert.Equal(t, 1, final.Sent)
	assert.Equal(t, 0, final.Failed)
	// Recipients 2-3 were never attempted, neither sent nor failed.
	assert.Len(t, final.Results, 1)
	assert.Len(t, tr.sent, 1)
}

func TestRunBatchRest(t *testing.T) {
	c := newTestController(newFakeStore())
	tr := newFakeTransport()
	cfg := fastSettings()
	cfg.BatchSize = 1
	s := NewSession("acc", cfg, quotaCounterZero())
	ch, cancel := c.bus.Subscribe(256)
	defer cancel()

	_, err := c.Start(s, tr, StartRequest{Recipients: threeRecipients(), Message: "hi"})
	require.NoError(t, err)

	evs := collectUntilDone(t, ch)
	var batches []int
	for _, ev := range evs {
		if ev.Type == model.EventBatchRest {
			batches = append(batches, ev.BatchIndex)
		}
	}
	assert.Equal(t, []int{1, 2}, batches)
	assert.Equal(t, model.RunStatusCompleted, evs[len(evs)-1].Run.Status)
}

func TestRunHaltsWhenTransportDrops(t *testing.T) {
	c := newTestController(newFakeStore())
	tr := newFakeTransport()
	// Ready for Start and the first step, gone from the second step on.
	tr.notReadyFrom = 3
	s := NewSession("acc", fastSettings(), quotaCounterZero())
	ch, cancel := c.bus.Subscribe(256)
	defer cancel()

	_, err := c.Start(s, tr, StartRequest{Recipients: threeRecipients(), Message: "hi"})
	require.NoError(t, err)

	evs := collectUntilDone(t, ch)
	final := evs[len(evs)-1].Run
	assert.Equal(t, model.RunStatusStopped, final.Status)
	assert.Equal(t, 1, final.Sent)
	assert.Len(t, final.Results, 1)
}

func TestRunPersistsDailyCounter(t *testing.T) {
	store := newFakeStore()
	c := newTestController(store)
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	tr := newFakeTransport()
	s := NewSession("acc", fastSettings(), quotaCounterZero())
	ch, cancel := c.bus.Subscribe(256)
	defer cancel()

	_, err := c.Start(s, tr, StartRequest{Recipients: threeRecipients(), Message: "hi"})
	require.NoError(t, err)
	collectUntilDone(t, ch)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 3, store.counters["acc/2025-03-10"])
}

func TestRunSimulatesTyping(t *testing.T) {
	c := newTestController(newFakeStore())
	tr := newFakeTransport()
	cfg := fastSettings()
	cfg.SimulateTyping = true
	s := NewSession("acc", cfg, quotaCounterZero())
	ch, cancel := c.bus.Subscribe(256)
	defer cancel()

	_, err := c.Start(s, tr, StartRequest{Recipients: threeRecipients(), Message: "hi"})
	require.NoError(t, err)
	collectUntilDone(t, ch)

	assert.Len(t, tr.typed, 3)
}

func TestMediaPassedThrough(t *testing.T) {
	c := newTestController(newFakeStore())
	tr := newFakeTransport()
	s := NewSession("acc", fastSettings(), quotaCounterZero())
	ch, cancel := c.bus.Subscribe(256)
	defer cancel()

	media := &model.Media{URL: "https://example.com/promo.jpg"}
	_, err := c.Start(s, tr, StartRequest{
		Recipients: []model.Recipient{{Address: "08111"}},
		Media:      media,
	})
	require.NoError(t, err)
	collectUntilDone(t, ch)

	require.Len(t, tr.sent, 1)
	assert.Equal(t, media, tr.sent[0].media)
}

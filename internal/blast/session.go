package blast

import (
	"sync"
	"time"

	"blast/internal/model"
	"blast/internal/quota"
)

// Session owns all mutable sending state for one account: pacing settings,
// the warmup counter, the daily counter and the current run. One instance
// per authenticated channel; independent sessions never share state.
type Session struct {
	AccountID string

	mu           sync.Mutex
	settings     model.Settings
	sessionCount int
	daily        quota.Counter
	run          *model.Run
	sending      bool
	stop         chan struct{}
	stopped      bool
}

func NewSession(accountID string, settings model.Settings, daily quota.Counter) *Session {
	return &Session{
		AccountID: accountID,
		settings:  settings,
		daily:     daily,
	}
}

func (s *Session) Settings() model.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SetSettings replaces the pacing configuration. Invariants are validated
// here, at acceptance time, not inside the send loop.
func (s *Session) SetSettings(settings model.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	return nil
}

// ResetWarmup restarts the warmup window. Called on reconnect; the daily
// rollover path resets the counter independently inside checkQuota.
func (s *Session) ResetWarmup() {
	s.mu.Lock()
	s.sessionCount = 0
	s.mu.Unlock()
}

// Status reports the session counters for the status endpoint.
func (s *Session) Status(connected bool) model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.Status{
		AccountID:    s.AccountID,
		Connected:    connected,
		Sending:      s.sending,
		DailyCount:   s.daily.Count,
		DailyLimit:   s.settings.DailyLimit,
		SessionCount: s.sessionCount,
	}
}

// CurrentRun returns a snapshot of the active or last finished run.
func (s *Session) CurrentRun() *model.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.Snapshot()
}

// beginRun claims the session for a new run. Concurrent starts are
// rejected, not queued.
func (s *Session) beginRun(run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sending {
		return ErrAlreadyRunning
	}
	s.sending = true
	s.stopped = false
	s.stop = make(chan struct{})
	s.run = run
	return nil
}

// RequestStop raises the level-triggered stop flag and wakes any pending
// wait. The in-flight send, if any, still completes.
func (s *Session) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sending || s.stopped {
		return
	}
	s.stopped = true
	close(s.stop)
}

func (s *Session) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// stopCh returns the channel closed by RequestStop, used to cut waits
// short. Only valid between beginRun and finishRun.
func (s *Session) stopCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop
}

// checkQuota rolls the daily counter and reports whether another send is
// allowed. A date rollover also restarts the warmup window.
func (s *Session) checkQuota(now time.Time, limit int) (allowed, rolled bool, counter quota.Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed, rolled = s.daily.CheckAndRoll(now, limit)
	if rolled {
		s.sessionCount = 0
	}
	return allowed, rolled, s.daily
}

// recordResult appends one outcome to the run, bumping counters on
// success only, and returns a snapshot for the progress event.
func (s *Session) recordResult(res model.Result) (snapshot *model.Run, counter quota.Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.Results = append(s.run.Results, res)
	if res.Status == model.ResultStatusSuccess {
		s.run.Sent++
		s.sessionCount++
		s.daily.Inc()
	} else {
		s.run.Failed++
	}
	return s.run.Snapshot(), s.daily
}

func (s *Session) warmupState() (count int, cfg model.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionCount, s.settings
}

// finishRun seals the run with its terminal status and releases the
// session for the next start.
func (s *Session) finishRun(status string, now time.Time) *model.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.Status = status
	s.run.FinishedAt = &now
	s.sending = false
	return s.run.Snapshot()
}

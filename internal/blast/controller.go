package blast

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"blast/internal/model"
	"blast/internal/pacing"
	"blast/internal/quota"
)

// Transport is the messaging capability the controller consumes per
// recipient. One authenticated channel per session.
type Transport interface {
	Ready() bool
	IsRegistered(ctx context.Context, address string) (bool, error)
	SendTyping(ctx context.Context, address string) error
	Send(ctx context.Context, address, text string, media *model.Media) error
}

// Store is the persistence the controller needs: the daily counter must
// survive restarts and every terminal run is recorded for audit.
type Store interface {
	SaveDailyCounter(accountID, date string, count int) error
	SaveRun(run *model.Run) error
}

// StartRequest carries one bulk-send invocation.
type StartRequest struct {
	Recipients []model.Recipient `json:"recipients"`
	Message    string            `json:"message"`
	Media      *model.Media      `json:"media,omitempty"`
}

// Rejection reasons for Start. Per-recipient failures are never surfaced
// here; they are recorded in the run results and the run continues.
var (
	ErrAlreadyRunning = errors.New("a run is already in progress")
	ErrNotConnected   = errors.New("account is not connected")
	ErrNoRecipients   = errors.New("recipients required")
	ErrEmptyMessage   = errors.New("message or media required")
)

// NotRegisteredReason marks recipients the transport does not know.
const NotRegisteredReason = "not registered"

// Controller drives send runs: one sequential worker per session, pacing
// between sends, batch rests, daily quota, and per-recipient recovery.
type Controller struct {
	store Store
	bus   *Bus
	log   zerolog.Logger

	now         func() time.Time
	newRand     func() pacing.Rand
	sleep       func(stop <-chan struct{}, d time.Duration)
	typingDelay time.Duration
}

func NewController(store Store, bus *Bus, log zerolog.Logger) *Controller {
	return &Controller{
		store: store,
		bus:   bus,
		log:   log.With().Str("component", "blast").Logger(),
		now:   time.Now,
		newRand: func() pacing.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
		sleep:       waitOrStop,
		typingDelay: 2 * time.Second,
	}
}

// waitOrStop suspends for d but returns early when the stop channel
// closes. The caller re-checks the stop flag after every wait.
func waitOrStop(stop <-chan struct{}, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
	}
}

// Start validates the request, claims the session and launches the run
// worker. It returns a snapshot of the freshly created run.
func (c *Controller) Start(s *Session, t Transport, req StartRequest) (*model.Run, error) {
	if len(req.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if req.Message == "" && req.Media == nil {
		return nil, ErrEmptyMessage
	}
	cfg := s.Settings()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !t.Ready() {
		return nil, ErrNotConnected
	}

	run := &model.Run{
		ID:        uuid.NewString(),
		AccountID: s.AccountID,
		Status:    model.RunStatusRunning,
		Total:     len(req.Recipients),
		StartedAt: c.now(),
	}
	if err := s.beginRun(run); err != nil {
		return nil, err
	}

	c.log.Info().
		Str("account_id", s.AccountID).
		Str("run_id", run.ID).
		Int("total", run.Total).
		Msg("run started")
	// Snapshot before the worker starts; once it runs, the run may only
	// be read under the session mutex.
	snapshot := run.Snapshot()
	go c.run(s, t, req)
	return snapshot, nil
}

// Stop raises the stop flag. The run halts at the next checkpoint; it
// does not interrupt an in-flight send.
func (c *Controller) Stop(s *Session) {
	s.RequestStop()
}

func (c *Controller) run(s *Session, t Transport, req StartRequest) {
	ctx := context.Background()
	cfg := s.Settings()
	rng := c.newRand()
	stop := s.stopCh()
	runID := s.CurrentRun().ID
	log := c.log.With().Str("account_id", s.AccountID).Str("run_id", runID).Logger()

	status := model.RunStatusCompleted
	for i, rcpt := range req.Recipients {
		if s.stopRequested() {
			status = model.RunStatusStopped
			break
		}
		// Readiness is a per-step precondition: a dropped session halts
		// the run, leaving the remaining recipients unattempted.
		if !t.Ready() {
			log.Warn().Int("position", i).Msg("transport no longer ready, halting run")
			status = model.RunStatusStopped
			break
		}

		allowed, rolled, counter := s.checkQuota(c.now(), cfg.DailyLimit)
		if rolled {
			c.persistCounter(s.AccountID, counter, log)
		}
		if !allowed {
			c.bus.Publish(model.Event{
				Type:      model.EventLimitReached,
				AccountID: s.AccountID,
				Limit:     cfg.DailyLimit,
			})
			log.Info().Int("limit", cfg.DailyLimit).Msg("daily limit reached")
			status = model.RunStatusQuotaExhausted
			break
		}

		if pacing.NeedsRest(i, cfg.BatchSize) {
			rest := pacing.RestDuration(cfg, rng)
			c.bus.Publish(model.Event{
				Type:       model.EventBatchRest,
				AccountID:  s.AccountID,
				RestSec:    int(rest / time.Second),
				BatchIndex: i / cfg.BatchSize,
			})
			log.Info().Dur("rest", rest).Int("batch", i/cfg.BatchSize).Msg("batch rest")
			c.sleep(stop, rest)
			if s.stopRequested() {
				status = model.RunStatusStopped
				break
			}
		}

		addr := NormalizeAddress(rcpt.Address, cfg.CountryCode)
		text := Personalize(req.Message, rcpt.Name, BareNumber(addr))

		res := model.Result{
			Address: addr,
			Name:    rcpt.Name,
			Status:  model.ResultStatusSuccess,
			TS:      c.now(),
		}
		registered, err := t.IsRegistered(ctx, addr)
		switch {
		case err != nil:
			// Lookup errors count as not registered for this recipient;
			// the run continues.
			res.Status = model.ResultStatusFailed
			res.Error = NotRegisteredReason + ": " + err.Error()
		case !registered:
			res.Status = model.ResultStatusFailed
			res.Error = NotRegisteredReason
		default:
			if cfg.SimulateTyping {
				if err := t.SendTyping(ctx, addr); err == nil {
					c.sleep(stop, c.typingDelay)
				}
			}
			if err := t.Send(ctx, addr, text, req.Media); err != nil {
				res.Status = model.ResultStatusFailed
				res.Error = err.Error()
			}
		}

		snapshot, counter := s.recordResult(res)
		if res.Status == model.ResultStatusSuccess {
			c.persistCounter(s.AccountID, counter, log)
		} else {
			log.Warn().Str("address", addr).Str("reason", res.Error).Msg("recipient failed")
		}
		c.bus.Publish(model.Event{
			Type:      model.EventProgress,
			AccountID: s.AccountID,
			Run:       snapshot,
		})

		if i < len(req.Recipients)-1 {
			count, cur := s.warmupState()
			delay := pacing.NextDelay(count, cur, rng)
			c.bus.Publish(model.Event{
				Type:      model.EventWaiting,
				AccountID: s.AccountID,
				DelaySec:  int(delay / time.Second),
				Warmup:    pacing.InWarmup(count, cur),
				Position:  i + 1,
			})
			c.sleep(stop, delay)
		}
	}

	final := s.finishRun(status, c.now())
	if err := c.store.SaveRun(final); err != nil {
		log.Error().Err(err).Msg("persist run")
	}
	c.bus.Publish(model.Event{
		Type:      model.EventRunCompleted,
		AccountID: s.AccountID,
		Run:       final,
	})
	log.Info().
		Str("status", final.Status).
		Int("sent", final.Sent).
		Int("failed", final.Failed).
		Int("total", final.Total).
		Msg("run finished")
}

func (c *Controller) persistCounter(accountID string, counter quota.Counter, log zerolog.Logger) {
	if err := c.store.SaveDailyCounter(accountID, counter.Date, counter.Count); err != nil {
		log.Error().Err(err).Msg("persist daily counter")
	}
}

package neighbors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"runelink/models"
)

// DefaultBroadcastSeconds is the session length used when none is known.
const DefaultBroadcastSeconds = 300

// BroadcastState is a snapshot of the broadcast session.
type BroadcastState struct {
	IsBroadcasting   bool   `json:"is_broadcasting" yaml:"is_broadcasting"`
	RemainingSeconds int    `json:"remaining_seconds" yaml:"remaining_seconds"`
	DurationSeconds  int    `json:"duration_seconds" yaml:"duration_seconds"`
	Error            string `json:"error,omitempty" yaml:"error,omitempty"`
}

// BroadcastConfig controls countdown behavior.
type BroadcastConfig struct {
	DefaultSeconds int
	Clock          clock.Clock
}

func (c BroadcastConfig) withDefaults() BroadcastConfig {
	out := c
	if out.DefaultSeconds <= 0 {
		out.DefaultSeconds = DefaultBroadcastSeconds
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

// BroadcastController runs a time-bounded advertisement session with a
// one-second countdown derived from elapsed clock time.
type BroadcastController struct {
	cfg       BroadcastConfig
	transport Transport
	identity  IdentityProvider

	mu        sync.Mutex
	state     BroadcastState
	startedAt time.Time
	session   chan struct{}
	wg        sync.WaitGroup

	listeners notifier[BroadcastState]
}

// NewBroadcastController creates an idle controller.
func NewBroadcastController(transport Transport, identity IdentityProvider, config BroadcastConfig) *BroadcastController {
	cfg := config.withDefaults()
	return &BroadcastController{
		cfg:       cfg,
		transport: transport,
		identity:  identity,
		state: BroadcastState{
			RemainingSeconds: cfg.DefaultSeconds,
			DurationSeconds:  cfg.DefaultSeconds,
		},
	}
}

// State returns the current session snapshot.
func (c *BroadcastController) State() BroadcastState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a channel receiving a snapshot after every transition
// and countdown tick.
func (c *BroadcastController) Subscribe() (<-chan BroadcastState, func()) {
	return c.listeners.subscribe()
}

// Start begins broadcasting. durationSeconds may be nil, in which case the
// last remaining time is reused, or the default when nothing remains.
// Calling Start while broadcasting does nothing.
func (c *BroadcastController) Start(ctx context.Context, durationSeconds *int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.IsBroadcasting {
		return nil
	}

	duration := c.cfg.DefaultSeconds
	switch {
	case durationSeconds != nil && *durationSeconds > 0:
		duration = *durationSeconds
	case c.state.RemainingSeconds > 0:
		duration = c.state.RemainingSeconds
	}

	id, err := c.identity.Identity(ctx)
	if err == nil && (id.Alias == "" || id.Fingerprint == "") {
		err = ErrIdentityNotInitialized
	}
	if err != nil {
		return c.failLocked(fmt.Errorf("resolve identity: %w", err))
	}

	err = c.transport.Send(ctx, models.StartBroadcastRequest{
		DurationSeconds: duration,
		Alias:           id.Alias,
		Fingerprint:     id.Fingerprint,
	})
	if err != nil {
		withdraw(c.transport, models.StopBroadcastRequest{})
		return c.failLocked(fmt.Errorf("send start broadcast: %w", err))
	}

	c.state = BroadcastState{
		IsBroadcasting:   true,
		RemainingSeconds: duration,
		DurationSeconds:  duration,
	}
	c.startedAt = c.cfg.Clock.Now()
	c.listeners.notify(c.state)

	session := make(chan struct{})
	c.session = session
	ticker := c.cfg.Clock.Ticker(time.Second)
	c.wg.Add(1)
	go c.countdown(session, ticker)

	log.Infow("broadcast started", "duration_seconds", duration, "alias", id.Alias)
	return nil
}

// Stop ends the session early. Remaining time is kept so a later Start
// without a duration resumes from it. Calling Stop while idle does nothing.
func (c *BroadcastController) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.IsBroadcasting {
		c.mu.Unlock()
		return nil
	}

	sendErr := c.transport.Send(ctx, models.StopBroadcastRequest{})
	c.endSessionLocked()
	c.state.IsBroadcasting = false
	if sendErr != nil {
		sendErr = fmt.Errorf("send stop broadcast: %w", sendErr)
		c.state.Error = sendErr.Error()
	}
	c.listeners.notify(c.state)
	c.mu.Unlock()

	c.wg.Wait()
	log.Infow("broadcast stopped", "remaining_seconds", c.State().RemainingSeconds)
	return sendErr
}

// Close cancels any running countdown and releases subscribers. No request
// is sent to the backend.
func (c *BroadcastController) Close() {
	c.mu.Lock()
	c.endSessionLocked()
	c.mu.Unlock()

	c.wg.Wait()
	c.listeners.closeAll()
}

func (c *BroadcastController) countdown(session chan struct{}, ticker *clock.Ticker) {
	defer c.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-session:
			return
		case <-ticker.C:
			if c.tick(session) {
				return
			}
		}
	}
}

// tick recomputes the remaining time and reports whether the session ended.
func (c *BroadcastController) tick(session chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != session || !c.state.IsBroadcasting {
		return true
	}

	elapsed := int(c.cfg.Clock.Since(c.startedAt) / time.Second)
	remaining := c.state.DurationSeconds - elapsed
	if remaining <= 0 {
		c.endSessionLocked()
		c.state.IsBroadcasting = false
		c.state.RemainingSeconds = c.cfg.DefaultSeconds
		c.listeners.notify(c.state)
		log.Infow("broadcast expired")
		return true
	}

	if remaining != c.state.RemainingSeconds {
		c.state.RemainingSeconds = remaining
		c.listeners.notify(c.state)
	}
	return false
}

// endSessionLocked must be called with c.mu held.
func (c *BroadcastController) endSessionLocked() {
	if c.session != nil {
		close(c.session)
		c.session = nil
	}
}

// failLocked must be called with c.mu held.
func (c *BroadcastController) failLocked(err error) error {
	c.state.Error = err.Error()
	c.listeners.notify(c.state)
	log.Warnw("broadcast failed", "err", err)
	return err
}

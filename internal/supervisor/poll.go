package supervisor

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"

	"pilothouse/server/internal/events"
	"pilothouse/server/internal/fault"
	"pilothouse/server/internal/store"
	"pilothouse/server/internal/streamdiff"
	"pilothouse/server/internal/tmux"
)

// poll is the per-session capture loop. It is the only goroutine that
// touches the session's capture state, which keeps per-session output
// events in emission order.
func (s *Supervisor) poll(ctx context.Context, a *active) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var lastHash uint64
	lastPercent := -1.0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		a.mu.Lock()
		sess := a.session
		a.mu.Unlock()

		alive, err := s.adapter.IsPaneAlive(ctx, sess.PaneID)
		if err != nil {
			if !s.tolerate(sess.ID, "liveness check", err) {
				return
			}
			continue
		}
		if !alive {
			s.onPaneDeath(ctx, a, sess)
			return
		}

		lastPercent = s.persistContextPercent(ctx, sess.ID, lastPercent)

		capture, err := s.adapter.CapturePane(ctx, sess.PaneID, tmux.CaptureOpts{})
		if err != nil {
			if !s.tolerate(sess.ID, "capture", err) {
				return
			}
			continue
		}

		hash := xxhash.Sum64String(capture)
		if hash == lastHash {
			continue
		}
		lastHash = hash

		curr := streamdiff.SplitLines(capture)
		a.mu.Lock()
		delta := streamdiff.Decide(a.prevLines, curr, s.cfg.ResetWindow)
		a.prevLines = curr
		a.mu.Unlock()

		if len(delta.Lines) > 0 {
			a.ring.PushMany(delta.Lines)
			s.bus.Publish(events.SessionOutput{SessionID: sess.ID, Lines: delta.Lines})
		}

		if sess.Status == store.StatusStarting && len(curr) > 0 {
			s.markRunning(ctx, a, sess.ID)
		}
	}
}

// tolerate reports whether the loop should keep going after err.
// External and transient failures are logged and surfaced as
// session:error events without tearing the loop down.
func (s *Supervisor) tolerate(sessionID, op string, err error) bool {
	kind := fault.KindOf(err)
	if kind == fault.Cancelled {
		return false
	}
	s.logger.Warn("poll "+op+" failed", "session_id", sessionID, "err", err)
	s.bus.Publish(events.SessionError{SessionID: sessionID, Message: err.Error(), Kind: kind.String()})
	return true
}

// persistContextPercent writes the latest context reading through to the
// session row so it survives a restart. Returns the value now persisted;
// an unchanged reading is not rewritten.
func (s *Supervisor) persistContextPercent(ctx context.Context, sessionID string, last float64) float64 {
	if s.ctxSrc == nil {
		return last
	}
	sample, ok := s.ctxSrc.Sample(sessionID)
	if !ok || sample.ContextPercent == last {
		return last
	}
	pct := sample.ContextPercent
	if _, err := s.store.UpdateSession(ctx, sessionID, store.SessionPatch{ContextPercent: &pct}); err != nil {
		s.logger.Warn("context percent persist failed", "session_id", sessionID, "err", err)
		return last
	}
	return pct
}

// markRunning flips starting -> running once the pane shows output, then
// delivers the queued initial prompt.
func (s *Supervisor) markRunning(ctx context.Context, a *active, sessionID string) {
	a.mu.Lock()
	if a.session.Status != store.StatusStarting {
		a.mu.Unlock()
		return
	}
	a.session.Status = store.StatusRunning
	prompt := a.pendingPrompt
	a.pendingPrompt = ""
	paneID := a.session.PaneID
	a.mu.Unlock()

	now := time.Now().UTC()
	status := store.StatusRunning
	if _, err := s.store.UpdateSession(ctx, sessionID, store.SessionPatch{Status: &status, StartedAt: &now}); err != nil {
		s.logger.Warn("running status persist failed", "session_id", sessionID, "err", err)
	}
	s.publishStatus(sessionID, store.StatusStarting, store.StatusRunning)

	if prompt != "" {
		if err := s.adapter.SendText(ctx, paneID, prompt); err != nil {
			s.logger.Warn("initial prompt delivery failed", "session_id", sessionID, "err", err)
		} else {
			a.mu.Lock()
			a.lastInputAt = time.Now().UTC()
			a.mu.Unlock()
		}
	}
}

// onPaneDeath handles a pane that disappeared between polls. Exit code is
// unknown from the outside, and ticket completion is never inferred here.
func (s *Supervisor) onPaneDeath(ctx context.Context, a *active, sess store.Session) {
	s.logger.Info("pane death detected", "session_id", sess.ID, "pane", sess.PaneID)
	s.bus.Publish(events.SessionExit{SessionID: sess.ID, ExitCode: nil})
	s.finish(context.WithoutCancel(ctx), a, sess.Status, store.StatusCompleted)
}

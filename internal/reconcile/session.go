package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/cardsync/internal/domain"
)

// ErrNoSession is returned when a list-view operation runs outside a session.
var ErrNoSession = errors.New("no list session in progress")

// View identifies a screen of the client.
type View int

const (
	StudyView View = iota
	ListView
	ClassesView
	ProfileView
)

func (v View) String() string {
	switch v {
	case StudyView:
		return "study"
	case ListView:
		return "list"
	case ClassesView:
		return "classes"
	case ProfileView:
		return "profile"
	default:
		return fmt.Sprintf("View(%d)", int(v))
	}
}

// ListSession is one visit to the editable list view. It is created when the
// view is entered and discarded when it is left.
type ListSession struct {
	ID      string
	Started time.Time

	r *Reconciler
}

// Toggle records a local active/archived choice.
func (s *ListSession) Toggle(id domain.CardID, active bool) error {
	return s.r.SetLocalActive(id, active)
}

// Dirty reports whether the session owes a flush.
func (s *ListSession) Dirty() bool {
	return s.r.Dirty()
}

// Controller sequences view transitions around the reconciler. Leaving the
// list view flushes pending overrides, and card reads from any view wait
// until that flush and its refresh have settled.
type Controller struct {
	r      *Reconciler
	logger *slog.Logger

	mu      sync.Mutex
	view    View
	session *ListSession
	// settled is closed while no exit is in progress.
	settled chan struct{}
	last    *FlushResult
}

// NewController creates a controller that starts in the study view.
func NewController(r *Reconciler, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	settled := make(chan struct{})
	close(settled)
	return &Controller{
		r:       r,
		logger:  logger,
		view:    StudyView,
		settled: settled,
	}
}

// Reconciler returns the reconciler behind the controller.
func (c *Controller) Reconciler() *Reconciler { return c.r }

// View returns the current view.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Session returns the list session in progress, or nil.
func (c *Controller) Session() *ListSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// LastFlush returns the result of the most recent list-view exit, or nil.
func (c *Controller) LastFlush() *FlushResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Controller) waitSettled(ctx context.Context) error {
	c.mu.Lock()
	settled := c.settled
	c.mu.Unlock()
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnEnterListSession switches to the list view. The snapshot is refreshed
// only when nothing is pending, so overrides left by a failed exit are shown
// again as they were. Entering while already in the list view returns the
// current session.
func (c *Controller) OnEnterListSession(ctx context.Context) (*ListSession, error) {
	if err := c.waitSettled(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.session != nil {
		s := c.session
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	if !c.r.Dirty() {
		if err := c.r.Refresh(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		c.session = &ListSession{ID: uuid.NewString(), Started: time.Now(), r: c.r}
		c.view = ListView
		c.logger.Info("List session started", "session", c.session.ID, "pending", len(c.r.Pending()))
	}
	return c.session, nil
}

// OnLocalToggle records a local choice in the current list session.
func (c *Controller) OnLocalToggle(id domain.CardID, active bool) error {
	s := c.Session()
	if s == nil {
		return ErrNoSession
	}
	return s.Toggle(id, active)
}

// OnExitListSession leaves the list view for next. It returns once the flush
// and its trailing refresh have settled. If ctx ends first the flush keeps
// running, and card reads stay blocked until it settles. Leaving a view other
// than the list view only switches views.
func (c *Controller) OnExitListSession(ctx context.Context, next View) (FlushResult, error) {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.view = next
		c.mu.Unlock()
		return FlushResult{Retained: c.r.Pending()}, nil
	}
	select {
	case <-c.settled:
		c.settled = make(chan struct{})
	default:
		// Another exit is already flushing; wait on it below.
	}
	settled := c.settled
	c.mu.Unlock()

	type outcome struct {
		res FlushResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.r.Flush(context.WithoutCancel(ctx))

		c.mu.Lock()
		if c.session == s {
			c.session = nil
			c.view = next
			c.last = &res
			close(settled)
		}
		c.mu.Unlock()

		if err != nil {
			c.logger.Warn("List session exit kept pending changes", "session", s.ID, "retained", len(res.Retained), "error", err)
		} else {
			c.logger.Info("List session ended", "session", s.ID, "sent", len(res.Sent), "view", next)
		}
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-settled:
		// A concurrent exit for the same session finished first.
		if last := c.LastFlush(); last != nil {
			return *last, last.Err
		}
		return FlushResult{Retained: c.r.Pending()}, nil
	case <-ctx.Done():
		return FlushResult{Retained: c.r.Pending()}, ctx.Err()
	}
}

// Cards returns the cards to display, waiting for any list-view exit to
// settle first. The first read with nothing pending and no snapshot loaded
// fetches from the card API.
func (c *Controller) Cards(ctx context.Context) ([]domain.Card, error) {
	if err := c.waitSettled(ctx); err != nil {
		return nil, err
	}
	if !c.r.Dirty() && c.r.RefreshedAt().IsZero() {
		if err := c.r.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return c.r.DisplayCards(), nil
}

// Refresh re-reads the card API once any list-view exit has settled.
func (c *Controller) Refresh(ctx context.Context) error {
	if err := c.waitSettled(ctx); err != nil {
		return err
	}
	return c.r.Refresh(ctx)
}

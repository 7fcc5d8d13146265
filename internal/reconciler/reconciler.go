// Package reconciler turns driver_selection notifications into a single
// accept/deny prompt per ride-request cycle and keeps the map station in
// step with the rider's answer.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ivan/internal/api"
	"github.com/example/ivan/internal/logging"
	"github.com/example/ivan/internal/models"
	"github.com/example/ivan/internal/observability"
	"github.com/example/ivan/internal/push"
	"github.com/example/ivan/internal/storage"
)

var (
	ErrNoPrompt     = errors.New("reconciler: no prompt is awaiting an answer")
	ErrMissingOrder = errors.New("reconciler: driver selection without order id")
	// ErrAnswerInFlight is returned while the open prompt's answer is still
	// being sent.
	ErrAnswerInFlight = errors.New("reconciler: answer already in flight")
)

// Prompt is the accept/deny question shown to the rider.
type Prompt struct {
	OrderID  models.ID             `json:"order_id"`
	Title    string                `json:"title,omitempty"`
	Body     string                `json:"body,omitempty"`
	Station  *models.StationMarker `json:"station,omitempty"`
	OpenedAt time.Time             `json:"opened_at"`
}

// Prompter renders and dismisses the prompt. Dismiss carries the error
// detail when the answer could not be delivered.
type Prompter interface {
	ShowPrompt(p Prompt)
	DismissPrompt(orderID models.ID, detail string)
}

type OrderActions interface {
	Accept(ctx context.Context, id models.ID) error
	Deny(ctx context.Context, id models.ID) error
}

type MapWriter interface {
	SetStation(m models.StationMarker)
	ClearStation()
}

// Reconciler runs Idle -> AwaitingDriverPrompt -> Accepted|Denied -> Idle.
// Answered cycles are recorded in the journal so a repeated notification
// for the same order never reopens the prompt.
type Reconciler struct {
	orders   OrderActions
	mapw     MapWriter
	journal  storage.CycleStore
	prompter Prompter
	logger   *slog.Logger

	mu        sync.Mutex
	pending   *Prompt
	cycle     *models.Cycle
	answering bool
}

func New(orders OrderActions, mapw MapWriter, journal storage.CycleStore, prompter Prompter, logger *slog.Logger) *Reconciler {
	if journal == nil {
		journal = storage.NewMemoryStore()
	}
	return &Reconciler{
		orders:   orders,
		mapw:     mapw,
		journal:  journal,
		prompter: prompter,
		logger:   logging.Component(logger, "reconciler"),
	}
}

// SetPrompter swaps the prompt surface. A pending prompt is shown on the
// new one.
func (r *Reconciler) SetPrompter(p Prompter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompter = p
	if p != nil && r.pending != nil {
		p.ShowPrompt(*r.pending)
	}
}

// State is the machine state: awaiting while a prompt is open, idle
// otherwise.
func (r *Reconciler) State() models.CycleState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		return models.CycleAwaiting
	}
	return models.CycleIdle
}

func (r *Reconciler) Pending() (Prompt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return Prompt{}, false
	}
	return *r.pending, true
}

// HandleNotification implements push.Handler for driver_selection.
func (r *Reconciler) HandleNotification(ctx context.Context, origin push.Origin, m push.Message) error {
	if m.OrderID == "" {
		observability.PromptsTotal.WithLabelValues("invalid").Inc()
		return ErrMissingOrder
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending != nil && r.pending.OrderID == m.OrderID {
		observability.PromptsTotal.WithLabelValues("duplicate").Inc()
		r.logger.Debug("prompt already open", "order_id", m.OrderID, "origin", origin)
		return nil
	}

	prev, err := r.journal.CycleByOrder(ctx, m.OrderID)
	switch {
	case err == nil && prev.State.Decided():
		observability.PromptsTotal.WithLabelValues("duplicate").Inc()
		r.logger.Info("order already answered, not prompting again", "order_id", m.OrderID, "state", prev.State, "origin", origin)
		return nil
	case err != nil && !errors.Is(err, storage.ErrCycleNotFound):
		r.logger.Warn("journal lookup failed", "order_id", m.OrderID, "error", err)
	}

	if r.pending != nil {
		r.supersede(ctx)
	}

	var station models.Coord
	var stationName string
	if m.Station != nil {
		r.mapw.SetStation(*m.Station)
		station, stationName = m.Station.Location, m.Station.Name
	}

	c := storage.NewCycle(m.OrderID, stationName, station)
	if err := r.journal.SaveCycle(ctx, c); err != nil {
		r.logger.Warn("journal save failed", "order_id", m.OrderID, "error", err)
	}
	r.cycle = c
	r.pending = &Prompt{OrderID: m.OrderID, Title: m.Title, Body: m.Body, Station: m.Station, OpenedAt: c.CreatedAt}
	if r.prompter != nil {
		r.prompter.ShowPrompt(*r.pending)
	}
	observability.PromptsTotal.WithLabelValues("opened").Inc()
	r.logger.Info("driver prompt opened", "order_id", m.OrderID, "origin", origin)
	return nil
}

// supersede closes the open prompt without answering it. The order stays
// unanswered and may be prompted again. Its station leaves the map with it.
func (r *Reconciler) supersede(ctx context.Context) {
	old := r.pending
	r.finish(ctx, models.CycleIdle)
	r.mapw.ClearStation()
	if r.prompter != nil {
		r.prompter.DismissPrompt(old.OrderID, "")
	}
	observability.PromptsTotal.WithLabelValues("superseded").Inc()
	r.logger.Info("driver prompt superseded", "order_id", old.OrderID)
}

// Reset drops the open prompt without answering it, as after a forced
// logout. The cycle is journalled idle so Resume does not reopen it. The
// map is left to the caller.
func (r *Reconciler) Reset(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return
	}
	id := r.pending.OrderID
	r.finish(ctx, models.CycleIdle)
	r.dismiss(id, nil)
	observability.PromptsTotal.WithLabelValues("reset").Inc()
	r.logger.Info("driver prompt reset", "order_id", id)
}

// begin claims the open prompt for answering. The lock is not held while
// the answer is sent.
func (r *Reconciler) begin() (*Prompt, *models.Cycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return nil, nil, ErrNoPrompt
	}
	if r.answering {
		return nil, nil, ErrAnswerInFlight
	}
	r.answering = true
	return r.pending, r.cycle, nil
}

// settled reports whether p is still the open prompt after its answer came
// back. When it was superseded or reset meanwhile and the backend took the
// answer, the old cycle is journalled with it so a redelivery stays quiet.
// Callers hold r.mu.
func (r *Reconciler) settled(ctx context.Context, p *Prompt, c *models.Cycle, state models.CycleState, err error) bool {
	if r.pending == p {
		r.answering = false
		return true
	}
	if err == nil && c != nil {
		c.State = state
		c.UpdatedAt = time.Now().UTC()
		if jerr := r.journal.UpdateCycle(ctx, c); jerr != nil {
			r.logger.Warn("journal update failed", "order_id", c.OrderID, "error", jerr)
		}
	}
	r.logger.Info("answer arrived for a closed prompt", "order_id", p.OrderID, "state", state, "error", err)
	return false
}

// Accept confirms the pending driver. The prompt is dismissed whatever the
// outcome; the station stays on the map only if the backend took it.
func (r *Reconciler) Accept(ctx context.Context) error {
	p, c, err := r.begin()
	if err != nil {
		return err
	}
	id := p.OrderID
	err = r.orders.Accept(ctx, id)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.settled(ctx, p, c, models.CycleAccepted, err) {
		return err
	}
	if err != nil {
		r.mapw.ClearStation()
		r.finish(ctx, models.CycleIdle)
		r.dismiss(id, err)
		observability.PromptsTotal.WithLabelValues("accept_failed").Inc()
		r.logger.Warn("accept order failed", "order_id", id, "error", err)
		return err
	}
	r.finish(ctx, models.CycleAccepted)
	r.dismiss(id, nil)
	observability.PromptsTotal.WithLabelValues("accepted").Inc()
	r.logger.Info("driver accepted", "order_id", id)
	return nil
}

// Deny rejects the pending driver and clears the station regardless of the
// call outcome.
func (r *Reconciler) Deny(ctx context.Context) error {
	p, c, err := r.begin()
	if err != nil {
		return err
	}
	id := p.OrderID
	err = r.orders.Deny(ctx, id)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.settled(ctx, p, c, models.CycleDenied, err) {
		return err
	}
	r.mapw.ClearStation()
	r.finish(ctx, models.CycleDenied)
	r.dismiss(id, err)
	if err != nil {
		observability.PromptsTotal.WithLabelValues("deny_failed").Inc()
		r.logger.Warn("deny order failed", "order_id", id, "error", err)
		return err
	}
	observability.PromptsTotal.WithLabelValues("denied").Inc()
	r.logger.Info("driver denied", "order_id", id)
	return nil
}

// Resume reopens a prompt left unanswered by a previous run.
func (r *Reconciler) Resume(ctx context.Context) error {
	c, err := r.journal.LatestCycle(ctx)
	if errors.Is(err, storage.ErrCycleNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest cycle: %w", err)
	}
	if c.State != models.CycleAwaiting {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		return nil
	}
	var st *models.StationMarker
	if c.StationName != "" || c.Station != (models.Coord{}) {
		st = &models.StationMarker{Name: c.StationName, Location: c.Station}
		r.mapw.SetStation(*st)
	}
	r.cycle = c
	r.pending = &Prompt{OrderID: c.OrderID, Station: st, OpenedAt: c.CreatedAt}
	if r.prompter != nil {
		r.prompter.ShowPrompt(*r.pending)
	}
	r.logger.Info("driver prompt resumed", "order_id", c.OrderID)
	return nil
}

// finish records the cycle's final state and returns the machine to idle.
func (r *Reconciler) finish(ctx context.Context, state models.CycleState) {
	if r.cycle != nil {
		r.cycle.State = state
		r.cycle.UpdatedAt = time.Now().UTC()
		if err := r.journal.UpdateCycle(ctx, r.cycle); err != nil {
			r.logger.Warn("journal update failed", "order_id", r.cycle.OrderID, "error", err)
		}
	}
	r.pending = nil
	r.cycle = nil
	r.answering = false
}

func (r *Reconciler) dismiss(id models.ID, err error) {
	if r.prompter == nil {
		return
	}
	detail := ""
	if err != nil {
		detail = api.FirstMessage(err)
	}
	r.prompter.DismissPrompt(id, detail)
}

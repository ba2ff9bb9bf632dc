// Package wizard drives a user through the steps of one vault operation,
// executing each step against the ledger, persisting progress after every
// change and reconciling that progress against fresh ledger reads.
//
// A step is complete only when the verifier says so. The session's
// completed set is a cache of the last verification, never a claim.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jdai/vault-engine/internal/catalog"
	"github.com/jdai/vault-engine/internal/ledger"
	"github.com/jdai/vault-engine/internal/metrics"
	"github.com/jdai/vault-engine/internal/model"
	"github.com/jdai/vault-engine/internal/position"
	"github.com/jdai/vault-engine/internal/store"
	"github.com/jdai/vault-engine/internal/verify"
)

// DefaultTTL is how long a persisted session stays restorable after its
// last write.
const DefaultTTL = time.Hour

// Wizard states.
const (
	StateIdle     = "idle"
	StateActive   = "active"
	StateTerminal = "terminal"
)

// View is what a renderer needs to show the wizard for one address.
type View struct {
	Address   string           `json:"address"`
	State     string           `json:"state"`
	Operation *model.Operation `json:"operation,omitempty"`
	Step      *model.Step      `json:"step,omitempty"`
	Session   *model.Session   `json:"session,omitempty"`
	Busy      bool             `json:"busy"`
}

// Completion describes a step that was just verified complete.
type Completion struct {
	Session   *model.Session
	Operation model.Operation
	Step      model.Step
	TxHash    string
}

// Observer is notified after a step is verified complete.
type Observer func(ctx context.Context, c Completion)

// Config holds the Manager's optional collaborators.
type Config struct {
	Ilk     string
	TTL     time.Duration
	Poller  *position.Poller // refreshed after every execution attempt
	Publish func(View)       // receives every view after a change
	Now     func() time.Time
}

// Manager owns at most one session per address. Every operation on an
// address holds that address's busy flag; a second call while one is in
// flight returns ErrBusy instead of queueing.
type Manager struct {
	client   ledger.Client
	verifier *verify.Verifier
	store    store.SessionStore
	ilk      string
	ttl      time.Duration
	poller   *position.Poller
	publish  func(View)
	now      func() time.Time

	mu        sync.Mutex
	sessions  map[string]*model.Session
	busy      map[string]bool
	observers []Observer
}

// NewManager creates a wizard manager.
func NewManager(client ledger.Client, v *verify.Verifier, st store.SessionStore, cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		client:   client,
		verifier: v,
		store:    st,
		ilk:      cfg.Ilk,
		ttl:      cfg.TTL,
		poller:   cfg.Poller,
		publish:  cfg.Publish,
		now:      cfg.Now,
		sessions: make(map[string]*model.Session),
		busy:     make(map[string]bool),
	}
}

// OnStepCompleted registers an observer. Not safe to call concurrently
// with wizard operations; register at start-up.
func (m *Manager) OnStepCompleted(fn Observer) {
	m.observers = append(m.observers, fn)
}

// --- Transitions ---

// Select starts operationID at step 0, replacing any existing session.
func (m *Manager) Select(ctx context.Context, address, operationID string) (View, error) {
	if err := m.acquire(address); err != nil {
		return m.View(address), err
	}
	defer m.release(address)

	if _, err := catalog.Get(operationID); err != nil {
		return m.View(address), validationError(fmt.Sprintf("unknown operation %q", operationID))
	}
	sess := &model.Session{
		ID:               uuid.New().String(),
		Address:          address,
		OperationID:      operationID,
		CompletedStepIDs: []string{},
		ApprovedAmounts:  map[string]string{},
		TxHashes:         map[string]string{},
		Origin:           model.OriginUser,
	}
	slog.Info("operation selected", "user", address, "operation", operationID, "session", sess.ID)
	return m.commit(ctx, sess)
}

// Seed creates a recovery session for operationID positioned at
// seedStepID with a fixed amount. Steps before the seed count as
// satisfied. The session is reconciled before it is returned. A
// user-started operation still in progress is never replaced; an earlier
// recovery session is.
func (m *Manager) Seed(ctx context.Context, address, operationID, seedStepID string, amount decimal.Decimal) (View, error) {
	if err := m.acquire(address); err != nil {
		return m.View(address), err
	}
	defer m.release(address)

	op, err := catalog.Get(operationID)
	if err != nil {
		return m.View(address), validationError(fmt.Sprintf("unknown operation %q", operationID))
	}
	idx := op.StepIndex(seedStepID)
	if idx <= 0 || !op.Steps[idx].Executable() {
		return m.View(address), validationError(fmt.Sprintf("step %q cannot seed %s", seedStepID, operationID))
	}
	// Internal debt balances carry rad precision; anything below a wei
	// cannot be moved and stays behind as dust.
	amount = amount.Truncate(model.AmountDecimals)
	if _, ok := model.ParseAmount(amount.String()); !ok {
		return m.View(address), validationError("amount must be a positive number the ledger can represent")
	}
	inProgress, err := m.userSessionInProgress(ctx, address)
	if err != nil {
		return m.View(address), err
	}
	if inProgress {
		return m.View(address), stateError("an operation is in progress; finish or reset it before resolving a stranded balance")
	}

	sess := &model.Session{
		ID:               uuid.New().String(),
		Address:          address,
		OperationID:      operationID,
		StepIndex:        idx,
		Amount:           amount.String(),
		CompletedStepIDs: []string{},
		ApprovedAmounts:  map[string]string{},
		TxHashes:         map[string]string{},
		SeedIndex:        idx,
		Origin:           model.OriginRecovery,
	}
	for _, s := range op.Steps[:idx] {
		sess.CompletedStepIDs = append(sess.CompletedStepIDs, s.ID)
	}
	slog.Info("recovery session seeded",
		"user", address,
		"operation", operationID,
		"step", seedStepID,
		"amount", amount.String(),
	)
	if _, err := m.reconcile(ctx, sess, op); err != nil {
		return m.View(address), err
	}
	return m.commit(ctx, sess)
}

// SetAmount records the amount entered at the input step. Changing the
// amount clears progress recorded for the previous amount.
func (m *Manager) SetAmount(ctx context.Context, address, raw string) (View, error) {
	if err := m.acquire(address); err != nil {
		return m.View(address), err
	}
	defer m.release(address)

	sess, op, err := m.current(ctx, address)
	if err != nil {
		return m.View(address), err
	}
	if op.Steps[sess.StepIndex].Action != model.ActionInput {
		return m.View(address), stateError("the amount can only be changed at the input step")
	}
	if _, ok := model.ParseAmount(raw); !ok {
		return m.View(address), validationError(fmt.Sprintf("amount must be a positive number with at most %d decimals", model.AmountDecimals))
	}

	next := sess.Clone()
	if next.Amount != raw {
		next.Amount = raw
		next.CompletedStepIDs = []string{}
		next.ApprovedAmounts = map[string]string{}
		next.TxHashes = map[string]string{}
	}
	return m.commit(ctx, next)
}

// Advance moves past the input step once the amount is valid.
func (m *Manager) Advance(ctx context.Context, address string) (View, error) {
	if err := m.acquire(address); err != nil {
		return m.View(address), err
	}
	defer m.release(address)

	sess, op, err := m.current(ctx, address)
	if err != nil {
		return m.View(address), err
	}
	step := op.Steps[sess.StepIndex]
	if step.Action != model.ActionInput {
		return m.View(address), stateError("only the input step can be advanced without executing")
	}
	if _, ok := sess.ParsedAmount(); !ok {
		return m.View(address), validationError("enter a valid amount before proceeding")
	}

	next := sess.Clone()
	markCompleted(next, step.ID)
	next.StepIndex = sess.StepIndex + 1
	return m.commit(ctx, next)
}

// Execute submits the current step, then re-verifies it from a fresh
// ledger read. The step is marked complete and the wizard advances only
// when verification confirms the effect. Failed attempts leave the step
// current and still refresh the position.
func (m *Manager) Execute(ctx context.Context, address string) (View, error) {
	if err := m.acquire(address); err != nil {
		return m.View(address), err
	}
	defer m.release(address)

	sess, op, err := m.current(ctx, address)
	if err != nil {
		return m.View(address), err
	}
	step := op.Steps[sess.StepIndex]
	if !step.Executable() {
		return m.View(address), stateError(fmt.Sprintf("step %q has nothing to execute", step.ID))
	}
	amount, ok := sess.ParsedAmount()
	if !ok {
		return m.View(address), validationError("amount must be a positive number")
	}
	for i := sess.SeedIndex; i < sess.StepIndex; i++ {
		if prev := op.Steps[i]; !sess.IsCompleted(prev.ID) {
			return m.View(address), stateError(fmt.Sprintf("step %q must be completed first", prev.ID))
		}
	}

	next := sess.Clone()
	if next.IsCompleted(step.ID) {
		done, err := m.verifier.Verify(ctx, address, op, step, amount, next.TxHashes[step.ID])
		if err != nil {
			return m.View(address), &StepError{Kind: KindUnavailable, Message: "Could not verify the step; try again", Err: err}
		}
		if done {
			slog.Info("step already complete, skipping submission", "user", address, "operation", op.ID, "step", step.ID)
			m.advancePast(next, op, step)
			return m.commit(ctx, next)
		}
		dropCompletedFrom(next, op, sess.StepIndex)
	}

	// A transaction already sent for this step settles first: resubmitting
	// while it may still land would spend twice.
	if prior := next.TxHashes[step.ID]; prior != "" {
		status, err := m.client.TransactionStatus(ctx, prior)
		if err != nil {
			return m.View(address), &StepError{Kind: KindUnavailable, Message: "Could not check the previous transaction for this step; try again", Err: err}
		}
		switch status {
		case ledger.TxSucceeded:
			slog.Info("previous transaction landed, skipping submission", "user", address, "operation", op.ID, "step", step.ID, "tx", prior)
			return m.settle(ctx, next, op, step, prior)
		case ledger.TxPending:
			slog.Info("previous transaction still pending", "user", address, "operation", op.ID, "step", step.ID, "tx", prior)
			return m.View(address), &StepError{Kind: KindUnverified, Message: "The previous transaction for this step is still pending; verify progress shortly"}
		}
		slog.Warn("previous transaction did not land, resubmitting", "user", address, "operation", op.ID, "step", step.ID, "tx", prior, "status", status.String())
	}

	start := time.Now()
	tx, execErr := m.submit(ctx, next, op, step, amount)
	if tx.Hash != "" {
		next.TxHashes[step.ID] = tx.Hash
	}

	var stepErr *StepError
	if execErr != nil {
		stepErr = translate(op, step, execErr)
	} else {
		done, err := m.verifier.Verify(ctx, address, op, step, amount, tx.Hash)
		switch {
		case err != nil:
			stepErr = &StepError{Kind: KindUnavailable, Message: "The transaction was mined but could not be verified; verify progress shortly", Err: err}
		case !done:
			stepErr = &StepError{Kind: KindUnverified, Message: "The transaction was mined but its effect is not visible yet; verify progress shortly"}
		}
	}

	outcome := "ok"
	if stepErr != nil {
		outcome = string(stepErr.Kind)
	}
	metrics.StepExecutions.WithLabelValues(op.ID, step.ID, outcome).Inc()

	if stepErr == nil {
		metrics.StepLatency.WithLabelValues(op.ID, step.ID).Observe(time.Since(start).Seconds())
		if step.Action == model.ActionApprove {
			m.recordAllowance(ctx, next, step)
		}
		m.advancePast(next, op, step)
		slog.Info("step executed",
			"user", address,
			"operation", op.ID,
			"step", step.ID,
			"tx", tx.Hash,
			"step_index", next.StepIndex,
		)
	} else {
		slog.Warn("step execution failed",
			"user", address,
			"operation", op.ID,
			"step", step.ID,
			"tx", tx.Hash,
			"kind", stepErr.Kind,
			"err", stepErr,
		)
	}

	view, err := m.commit(ctx, next)
	m.refresh(ctx, address)
	if stepErr != nil {
		return view, stepErr
	}
	if err != nil {
		return view, err
	}
	m.notify(ctx, Completion{Session: next.Clone(), Operation: op, Step: step, TxHash: tx.Hash})
	return view, nil
}

// settle completes step on the strength of an earlier transaction that has
// since succeeded.
func (m *Manager) settle(ctx context.Context, sess *model.Session, op model.Operation, step model.Step, txHash string) (View, error) {
	if step.Action == model.ActionApprove {
		m.recordAllowance(ctx, sess, step)
	}
	m.advancePast(sess, op, step)
	metrics.StepExecutions.WithLabelValues(op.ID, step.ID, "settled").Inc()

	view, err := m.commit(ctx, sess)
	m.refresh(ctx, sess.Address)
	if err != nil {
		return view, err
	}
	m.notify(ctx, Completion{Session: sess.Clone(), Operation: op, Step: step, TxHash: txHash})
	return view, nil
}

// VerifyProgress re-derives progress from the ledger: a left-to-right
// sweep from step 0 that stops at the first unverified step.
func (m *Manager) VerifyProgress(ctx context.Context, address string) (View, error) {
	if err := m.acquire(address); err != nil {
		return m.View(address), err
	}
	defer m.release(address)

	sess, op, err := m.current(ctx, address)
	if err != nil {
		return m.View(address), err
	}
	next := sess.Clone()
	newly, err := m.reconcile(ctx, next, op)
	if err != nil {
		return m.View(address), err
	}
	view, err := m.commit(ctx, next)
	if err != nil {
		return view, err
	}
	for _, step := range newly {
		m.notify(ctx, Completion{Session: next.Clone(), Operation: op, Step: step, TxHash: next.TxHashes[step.ID]})
	}
	return view, nil
}

// GoBack moves to the previous step, or back to idle from step 0.
func (m *Manager) GoBack(ctx context.Context, address string) (View, error) {
	if err := m.acquire(address); err != nil {
		return m.View(address), err
	}
	defer m.release(address)

	sess, _, err := m.current(ctx, address)
	if err != nil {
		return m.View(address), err
	}
	if sess.StepIndex == 0 {
		return m.discard(ctx, address)
	}
	next := sess.Clone()
	next.StepIndex--
	return m.commit(ctx, next)
}

// Reset returns the address to idle and destroys its persisted session.
func (m *Manager) Reset(ctx context.Context, address string) (View, error) {
	if err := m.acquire(address); err != nil {
		return m.View(address), err
	}
	defer m.release(address)
	return m.discard(ctx, address)
}

// Restore loads the persisted session for address, discards it when
// stale, and reconciles it against the ledger before it becomes
// actionable. A busy address returns its current view unchanged.
func (m *Manager) Restore(ctx context.Context, address string) (View, error) {
	if err := m.acquire(address); err != nil {
		return m.View(address), nil
	}
	defer m.release(address)

	if _, err := m.restore(ctx, address); err != nil {
		return m.View(address), err
	}
	return m.View(address), nil
}

// View returns the current in-memory view without touching the ledger.
func (m *Manager) View(address string) View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewLocked(address)
}

// --- Internals ---

func (m *Manager) acquire(address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy[address] {
		return ErrBusy
	}
	m.busy[address] = true
	return nil
}

func (m *Manager) release(address string) {
	m.mu.Lock()
	delete(m.busy, address)
	view := m.viewLocked(address)
	m.mu.Unlock()
	if m.publish != nil {
		m.publish(view)
	}
}

func (m *Manager) viewLocked(address string) View {
	v := View{Address: address, State: StateIdle, Busy: m.busy[address]}
	sess, ok := m.sessions[address]
	if !ok {
		return v
	}
	op, err := catalog.Get(sess.OperationID)
	if err != nil {
		return v
	}
	step := op.Steps[sess.StepIndex]
	v.State = StateActive
	if step.Action == model.ActionTerminal {
		v.State = StateTerminal
	}
	v.Operation = &op
	v.Step = &step
	v.Session = sess.Clone()
	return v
}

// current returns the address's session, restoring it from the store when
// it is not in memory. Caller holds the busy flag.
func (m *Manager) current(ctx context.Context, address string) (*model.Session, model.Operation, error) {
	m.mu.Lock()
	sess, ok := m.sessions[address]
	m.mu.Unlock()
	if !ok {
		var err error
		if sess, err = m.restore(ctx, address); err != nil {
			return nil, model.Operation{}, err
		}
		if sess == nil {
			return nil, model.Operation{}, ErrNoSession
		}
	}
	op, err := catalog.Get(sess.OperationID)
	if err != nil {
		return nil, model.Operation{}, stateError(err.Error())
	}
	return sess, op, nil
}

// userSessionInProgress reports whether address has an unexpired,
// user-started operation short of its terminal step. The store is read
// rather than memory so a session saved by another process counts.
func (m *Manager) userSessionInProgress(ctx context.Context, address string) (bool, error) {
	sess, err := m.store.LoadSession(ctx, address)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, &StepError{Kind: KindUnavailable, Message: "Saved progress could not be loaded", Err: err}
	}
	if sess.Origin == model.OriginRecovery || m.now().Sub(sess.Timestamp) >= m.ttl {
		return false, nil
	}
	op, err := catalog.Get(sess.OperationID)
	if err != nil || sess.StepIndex < 0 || sess.StepIndex >= len(op.Steps) {
		return false, nil
	}
	return op.Steps[sess.StepIndex].Action != model.ActionTerminal, nil
}

// restore loads, ages and reconciles the persisted session. It returns nil
// with no error when there is nothing to restore.
func (m *Manager) restore(ctx context.Context, address string) (*model.Session, error) {
	sess, err := m.store.LoadSession(ctx, address)
	if errors.Is(err, store.ErrNotFound) {
		m.forget(address)
		m.track(address)
		return nil, nil
	}
	if err != nil {
		return nil, &StepError{Kind: KindUnavailable, Message: "Saved progress could not be loaded", Err: err}
	}

	age := m.now().Sub(sess.Timestamp)
	if age >= m.ttl {
		slog.Info("discarding stale session", "user", address, "operation", sess.OperationID, "age", age.String())
		metrics.StaleSessionsDiscarded.Inc()
		_, err := m.discard(ctx, address)
		return nil, err
	}
	op, err := catalog.Get(sess.OperationID)
	if err != nil || sess.StepIndex < 0 || sess.StepIndex >= len(op.Steps) {
		slog.Warn("discarding invalid session", "user", address, "operation", sess.OperationID, "step_index", sess.StepIndex)
		_, err := m.discard(ctx, address)
		return nil, err
	}
	if sess.StepIndex > 0 {
		if _, ok := sess.ParsedAmount(); !ok {
			slog.Warn("discarding session without a valid amount", "user", address, "operation", sess.OperationID)
			_, err := m.discard(ctx, address)
			return nil, err
		}
	}
	if sess.ApprovedAmounts == nil {
		sess.ApprovedAmounts = map[string]string{}
	}
	if sess.TxHashes == nil {
		sess.TxHashes = map[string]string{}
	}

	if _, err := m.reconcile(ctx, sess, op); err != nil {
		return nil, err
	}
	slog.Info("session restored",
		"user", address,
		"operation", sess.OperationID,
		"step_index", sess.StepIndex,
		"completed", len(sess.CompletedStepIDs),
	)
	if _, err := m.commit(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// reconcile replaces sess's progress with a fresh sweep and returns the
// executable steps that became complete.
func (m *Manager) reconcile(ctx context.Context, sess *model.Session, op model.Operation) ([]model.Step, error) {
	amount, _ := sess.ParsedAmount()
	progress, err := m.verifier.Sweep(ctx, sess.Address, op, amount, sess.TxHashes, sess.SeedIndex)
	if err != nil {
		return nil, &StepError{Kind: KindUnavailable, Message: "Progress could not be verified; the ledger is unreachable", Err: err}
	}

	var newly []model.Step
	for _, id := range progress.CompletedStepIDs {
		if sess.IsCompleted(id) {
			continue
		}
		if i := op.StepIndex(id); i >= sess.SeedIndex && op.Steps[i].Executable() {
			newly = append(newly, op.Steps[i])
		}
	}
	sess.CompletedStepIDs = progress.CompletedStepIDs
	sess.StepIndex = progress.StepIndex
	return newly, nil
}

// commit stamps, caches and persists sess, then returns its view.
func (m *Manager) commit(ctx context.Context, sess *model.Session) (View, error) {
	sess.Timestamp = m.now()

	m.mu.Lock()
	m.sessions[sess.Address] = sess
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	view := m.viewLocked(sess.Address)
	m.mu.Unlock()
	m.track(sess.Address)

	if err := m.store.SaveSession(ctx, sess); err != nil {
		slog.Error("persist session failed", "user", sess.Address, "err", err)
		return view, &StepError{Kind: KindUnavailable, Message: "Progress could not be saved", Err: err}
	}
	return view, nil
}

func (m *Manager) discard(ctx context.Context, address string) (View, error) {
	m.forget(address)
	m.track(address)
	if err := m.store.DeleteSession(ctx, address); err != nil {
		return m.View(address), fmt.Errorf("delete session: %w", err)
	}
	slog.Info("session reset", "user", address)
	return m.View(address), nil
}

func (m *Manager) forget(address string) {
	m.mu.Lock()
	delete(m.sessions, address)
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()
}

// advancePast marks step complete and moves to the following step. Landing
// on the terminal step completes it as well, since every step before it
// has verified.
func (m *Manager) advancePast(sess *model.Session, op model.Operation, step model.Step) {
	markCompleted(sess, step.ID)
	last := len(op.Steps) - 1
	if sess.StepIndex < last {
		sess.StepIndex++
	}
	if next := op.Steps[sess.StepIndex]; next.Action == model.ActionTerminal {
		markCompleted(sess, next.ID)
	}
}

func (m *Manager) recordAllowance(ctx context.Context, sess *model.Session, step model.Step) {
	allowance, err := m.client.TokenAllowance(ctx, sess.Address, m.client.Contracts().DebtAdapter)
	if err != nil {
		slog.Debug("allowance read failed", "user", sess.Address, "err", err)
		return
	}
	sess.ApprovedAmounts[step.ID] = allowance.String()
}

func (m *Manager) refresh(ctx context.Context, address string) {
	if m.poller == nil {
		return
	}
	m.poller.Refresh(ctx, address)
}

// track keeps address in the poller's set only while an operation is in
// progress for it.
func (m *Manager) track(address string) {
	if m.poller == nil {
		return
	}
	if m.View(address).State == StateActive {
		m.poller.Track(address)
	} else {
		m.poller.Untrack(address)
	}
}

func (m *Manager) notify(ctx context.Context, c Completion) {
	for _, fn := range m.observers {
		fn(ctx, c)
	}
}

func markCompleted(sess *model.Session, stepID string) {
	if !sess.IsCompleted(stepID) {
		sess.CompletedStepIDs = append(sess.CompletedStepIDs, stepID)
	}
}

// dropCompletedFrom removes the cached completion of steps at or after idx.
func dropCompletedFrom(sess *model.Session, op model.Operation, idx int) {
	kept := []string{}
	for _, id := range sess.CompletedStepIDs {
		if op.StepIndex(id) < idx {
			kept = append(kept, id)
		}
	}
	sess.CompletedStepIDs = kept
}

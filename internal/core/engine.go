package core

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"CoverLedger/internal/claims"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/policy"
	"CoverLedger/internal/reserve"
)

// Engine is the single-writer command processor. Every mutating request —
// whether it arrived over HTTP or off the message bus — becomes an
// event.Event, is applied here in submission order, and leaves behind one
// hashed envelope in the event log.
//
// The apply path never reads the wall clock: timestamps are versioned inputs
// carried on the events, so replaying the log reproduces identical state and
// an identical hash chain.
type Engine struct {
	// mu guards sequence, the hasher, and store mutation on the apply
	// path. Only the engine loop writes; snapshot capture and stale-read
	// accessors take it from other goroutines.
	mu          sync.Mutex
	sequence    int64
	hasher      *ChainHasher
	store       *ledger.Store
	reserveEng  *reserve.Engine
	policyMgr   *policy.Manager
	claimsPipe  *claims.Pipeline
	validator   *ledger.InvariantValidator
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics

	persistChan    chan<- Output
	projectionChan chan<- Output

	submissions chan submission
}

// Output is what the engine hands to the persistence and projection workers
// for each applied event.
type Output struct {
	Envelope *event.Envelope
	Result   Result
}

// Result is the synchronous answer to a submitted command.
type Result struct {
	ID        int64
	Amount    int64
	Status    string
	Duplicate bool
}

type submission struct {
	evt   event.Event
	reply chan outcome
}

type outcome struct {
	res Result
	err error
}

const defaultIdempotencyCapacity = 1_000_000

func NewEngine(
	startSequence int64,
	store *ledger.Store,
	persistChan, projectionChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Engine {
	idem := NewIdempotencyChecker(defaultIdempotencyCapacity, dbChecker)
	idem.metrics = metrics

	return &Engine{
		sequence:       startSequence,
		hasher:         NewChainHasher(),
		store:          store,
		reserveEng:     reserve.NewEngine(store),
		policyMgr:      policy.NewManager(store),
		claimsPipe:     claims.NewPipeline(store),
		validator:      ledger.NewInvariantValidator(store),
		idempotency:    idem,
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
		submissions:    make(chan submission),
	}
}

// Submit queues evt for the engine loop and waits for its result.
func (e *Engine) Submit(ctx context.Context, evt event.Event) (Result, error) {
	sub := submission{evt: evt, reply: make(chan outcome, 1)}
	select {
	case e.submissions <- sub:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case out := <-sub.reply:
		return out.res, out.err
	case <-ctx.Done():
		// The command may still apply; the caller must re-query, never
		// assume it did not.
		return Result{}, ctx.Err()
	}
}

// Run drains submissions until ctx is cancelled. It is the only goroutine
// allowed to call ProcessEvent.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-e.submissions:
			res, err := e.ProcessEvent(sub.evt)
			sub.reply <- outcome{res: res, err: err}
		}
	}
}

// ProcessEvent applies one event: dedup, dispatch, hash, emit. Callers other
// than Run and replay must go through Submit.
func (e *Engine) ProcessEvent(evt event.Event) (Result, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	if e.idempotency.IsDuplicate(eventType, idempotencyKey) {
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return Result{Duplicate: true}, nil
	}

	e.mu.Lock()
	res, err := e.dispatch(evt)
	if err != nil {
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(eventType, rejectReason(err)).Inc()
		}
		return Result{}, err
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		e.mu.Unlock()
		return Result{}, fmt.Errorf("%w: marshal %s: %v", ledger.ErrInternal, eventType, err)
	}

	prevHash := e.hasher.Tip()
	stateHash := e.hasher.Next(e.sequence, e.stateDigest(payload))
	envelope := &event.Envelope{
		Sequence:       e.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Timestamp:      eventTimestamp(evt),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	e.sequence++

	if err := e.validator.ValidateConservation(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", eventType, err))
	}
	e.mu.Unlock()

	output := Output{Envelope: envelope, Result: res}

	// Persistence: blocking send. The engine stalls until the persistence
	// worker drains; no applied event may be lost.
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}

	// Projections: non-blocking send, drop on full. Projection workers
	// rebuild from the event log when they fall behind.
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}

	e.idempotency.MarkProcessed(eventType, idempotencyKey)

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(eventType).Inc()
		e.metrics.OpDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		e.metrics.EngineSequence.Set(float64(e.sequence))
		e.publishReserveGauges()
	}

	return res, nil
}

// Replay re-applies an envelope's payload during warm restart. It bypasses
// the dedup tiers (the event log is the source being replayed) and does not
// emit outputs; the recomputed chain must match the recorded one.
func (e *Engine) Replay(env *event.Envelope) error {
	evt, err := decodePayload(env.EventType, env.Payload)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if _, err := e.dispatch(evt); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}

	stateHash := e.hasher.Next(env.Sequence, e.stateDigest(env.Payload))
	if stateHash != env.StateHash {
		e.mu.Unlock()
		return fmt.Errorf("%w: replay hash mismatch at seq %d", ledger.ErrInternal, env.Sequence)
	}
	e.sequence = env.Sequence + 1

	if err := e.validator.ValidateConservation(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated during replay at seq %d: %v", env.Sequence, err))
	}
	e.mu.Unlock()

	e.idempotency.MarkProcessed(env.EventType.String(), env.IdempotencyKey)
	if e.metrics != nil {
		e.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

// RestoreChain rewinds the hasher and sequence to a snapshot boundary.
func (e *Engine) RestoreChain(sequence int64, tip [32]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sequence = sequence
	e.hasher.Reset(tip)
}

// Sequence returns the next sequence the engine will assign.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// ChainTip returns the current state-hash chain tip.
func (e *Engine) ChainTip() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.Tip()
}

// Freeze runs fn with the apply path held, so the store contents, the
// sequence and the chain tip it observes belong to the same applied event.
// Snapshot capture must go through here; a capture that interleaves with an
// apply would pair a mutated store with a stale tip and fail hash
// verification at replay.
func (e *Engine) Freeze(fn func(sequence int64, tip [32]byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.sequence, e.hasher.Tip())
}

// Idempotency exposes the checker for warm-restart key loading.
func (e *Engine) Idempotency() *IdempotencyChecker {
	return e.idempotency
}

func (e *Engine) dispatch(evt event.Event) (Result, error) {
	switch ev := evt.(type) {
	case *event.FundsStaked:
		if err := e.reserveEng.Stake(ledger.Address(ev.Address), ev.Amount, ev.Timestamp); err != nil {
			return Result{}, err
		}
		return Result{Amount: ev.Amount}, nil

	case *event.FundsUnstaked:
		if err := e.reserveEng.Unstake(ledger.Address(ev.Address), ev.Amount); err != nil {
			return Result{}, err
		}
		return Result{Amount: ev.Amount}, nil

	case *event.YieldClaimed:
		paid, err := e.reserveEng.ClaimYield(ledger.Address(ev.Address), ev.Timestamp)
		if err != nil {
			return Result{}, err
		}
		return Result{Amount: paid}, nil

	case *event.YieldRateUpdated:
		if err := e.reserveEng.SetYieldRate(ev.RateBps); err != nil {
			return Result{}, err
		}
		return Result{Amount: int64(ev.RateBps)}, nil

	case *event.PremiumCollected:
		if err := e.reserveEng.CollectPremium(ledger.Address(ev.Payer), ev.PolicyID, ev.Amount); err != nil {
			return Result{}, err
		}
		return Result{ID: ev.PolicyID, Amount: ev.Amount}, nil

	case *event.PolicyCreated:
		id, err := e.policyMgr.Create(ledger.Address(ev.Creator), ledger.PolicyMetadata{
			CoverageAmount:     ev.CoverageAmount,
			PremiumAmount:      ev.PremiumAmount,
			PayoutAmount:       ev.PayoutAmount,
			TermDays:           ev.TermDays,
			TriggerDescription: ev.TriggerDescription,
			Details:            ev.Details,
		}, ev.Timestamp)
		if err != nil {
			return Result{}, err
		}
		return Result{ID: id, Status: ledger.PolicyDraft.String()}, nil

	case *event.PolicyActivated:
		status, err := e.policyMgr.Activate(ev.PolicyID, ev.Timestamp)
		if err != nil {
			return Result{}, err
		}
		return Result{ID: ev.PolicyID, Status: status.String()}, nil

	case *event.PolicyPaused:
		status, err := e.policyMgr.Pause(ev.PolicyID, ev.Timestamp)
		if err != nil {
			return Result{}, err
		}
		return Result{ID: ev.PolicyID, Status: status.String()}, nil

	case *event.PolicyExpired:
		status, err := e.policyMgr.Expire(ev.PolicyID, ev.Timestamp)
		if err != nil {
			return Result{}, err
		}
		return Result{ID: ev.PolicyID, Status: status.String()}, nil

	case *event.ClaimSubmitted:
		id, err := e.claimsPipe.Submit(ledger.Address(ev.User), ev.PolicyID, ev.Amount, ev.EvidenceHash, ev.Timestamp)
		if err != nil {
			return Result{}, err
		}
		return Result{ID: id, Amount: ev.Amount, Status: ledger.ClaimPending.String()}, nil

	case *event.ClaimProcessed:
		status, err := e.claimsPipe.Process(ev.ClaimID, ev.ExternalDataHash, ev.Approved, ev.Timestamp)
		if err != nil {
			return Result{}, err
		}
		return Result{ID: ev.ClaimID, Status: status.String()}, nil

	case *event.ClaimPaid:
		paid, err := e.claimsPipe.Payout(ev.ClaimID, ev.Timestamp)
		if err != nil {
			return Result{}, err
		}
		return Result{ID: ev.ClaimID, Amount: paid, Status: ledger.ClaimPaid.String()}, nil

	case *event.AccountStatusChanged:
		next, err := ledger.ParseAccountStatus(ev.NewStatus)
		if err != nil {
			return Result{}, err
		}
		if err := e.reserveEng.SetAccountStatus(ledger.Address(ev.Address), next); err != nil {
			return Result{}, err
		}
		return Result{Status: next.String()}, nil

	case *event.AccountKYCSet:
		if err := e.reserveEng.SetKYC(ledger.Address(ev.Address), ev.Verified); err != nil {
			return Result{}, err
		}
		return Result{}, nil
	}

	return Result{}, fmt.Errorf("%w: unhandled event type %s", ledger.ErrInternal, evt.EventType())
}

// stateDigest folds the reserve aggregate and the event payload into the
// bytes fed to the hash chain. The reserve is in every digest because every
// monetary operation flows through it.
func (e *Engine) stateDigest(payload []byte) []byte {
	res := e.store.GetReserve()
	buf := make([]byte, 0, 48+len(payload))
	buf = appendInt64(buf, res.TotalFunds)
	buf = appendInt64(buf, res.TotalStaked)
	buf = appendInt64(buf, int64(res.TotalStakers))
	buf = appendInt64(buf, res.OutstandingLiabilities)
	buf = appendInt64(buf, res.LastYieldDistribution)
	buf = appendInt64(buf, int64(res.YieldRateBps))
	buf = append(buf, payload...)
	return buf
}

func appendInt64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

func (e *Engine) publishReserveGauges() {
	res := e.store.GetReserve()
	e.metrics.ReserveTotalFunds.Set(float64(res.TotalFunds))
	e.metrics.ReserveTotalStaked.Set(float64(res.TotalStaked))
	e.metrics.ReserveSurplus.Set(float64(res.Surplus()))
	e.metrics.ReserveLiabilities.Set(float64(res.OutstandingLiabilities))
	e.metrics.ReserveStakers.Set(float64(res.TotalStakers))
}

// eventTimestamp extracts the versioned input timestamp. The engine never
// calls time.Now() on the apply path.
func eventTimestamp(evt event.Event) int64 {
	switch ev := evt.(type) {
	case *event.FundsStaked:
		return ev.Timestamp
	case *event.FundsUnstaked:
		return ev.Timestamp
	case *event.YieldClaimed:
		return ev.Timestamp
	case *event.YieldRateUpdated:
		return ev.Timestamp
	case *event.PremiumCollected:
		return ev.Timestamp
	case *event.PolicyCreated:
		return ev.Timestamp
	case *event.PolicyActivated:
		return ev.Timestamp
	case *event.PolicyPaused:
		return ev.Timestamp
	case *event.PolicyExpired:
		return ev.Timestamp
	case *event.ClaimSubmitted:
		return ev.Timestamp
	case *event.ClaimProcessed:
		return ev.Timestamp
	case *event.ClaimPaid:
		return ev.Timestamp
	case *event.AccountStatusChanged:
		return ev.Timestamp
	case *event.AccountKYCSet:
		return ev.Timestamp
	}
	return 0
}

// decodePayload rebuilds a typed event from a stored envelope.
func decodePayload(et event.EventType, payload []byte) (event.Event, error) {
	var evt event.Event
	switch et {
	case event.EventTypeFundsStaked:
		evt = &event.FundsStaked{}
	case event.EventTypeFundsUnstaked:
		evt = &event.FundsUnstaked{}
	case event.EventTypeYieldClaimed:
		evt = &event.YieldClaimed{}
	case event.EventTypeYieldRateUpdated:
		evt = &event.YieldRateUpdated{}
	case event.EventTypePremiumCollected:
		evt = &event.PremiumCollected{}
	case event.EventTypePolicyCreated:
		evt = &event.PolicyCreated{}
	case event.EventTypePolicyActivated:
		evt = &event.PolicyActivated{}
	case event.EventTypePolicyPaused:
		evt = &event.PolicyPaused{}
	case event.EventTypePolicyExpired:
		evt = &event.PolicyExpired{}
	case event.EventTypeClaimSubmitted:
		evt = &event.ClaimSubmitted{}
	case event.EventTypeClaimProcessed:
		evt = &event.ClaimProcessed{}
	case event.EventTypeClaimPaid:
		evt = &event.ClaimPaid{}
	case event.EventTypeAccountStatusChanged:
		evt = &event.AccountStatusChanged{}
	case event.EventTypeAccountKYCSet:
		evt = &event.AccountKYCSet{}
	default:
		return nil, fmt.Errorf("%w: unknown event type %d", ledger.ErrInternal, et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ledger.ErrInternal, et, err)
	}
	return evt, nil
}

// rejectReason flattens an operation error into a bounded metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ledger.ErrInvalidPolicyTerms):
		return "invalid_policy_terms"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ledger.ErrAccountNotActive):
		return "account_not_active"
	case errors.Is(err, ledger.ErrInsufficientStake):
		return "insufficient_stake"
	case errors.Is(err, ledger.ErrReserveUnderfunded):
		return "reserve_underfunded"
	case errors.Is(err, ledger.ErrNoYieldAvailable):
		return "no_yield_available"
	case errors.Is(err, ledger.ErrClaimNotApproved):
		return "claim_not_approved"
	case errors.Is(err, ledger.ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, ledger.ErrContention):
		return "contention"
	case errors.Is(err, ledger.ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}

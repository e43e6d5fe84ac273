// Package collection implements the coordinator that owns the
// authoritative item map for one synchronized collection: it issues
// tracking identities, wraps items in mutation trackers, enforces
// per-item locks keyed by transaction, batches non-transacted
// mutations into an implicit micro-batch transaction, and reconciles
// inbound sync messages when no local window is open.
package collection

import (
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/drift/internal/delta"
	"github.com/hyperengineering/drift/internal/track"
	"github.com/hyperengineering/drift/internal/txn"
	"github.com/hyperengineering/drift/internal/validation"
	"github.com/hyperengineering/drift/pkg/syncfeed"
)

// TrackingAttr is the reserved attribute carrying an item's tracking
// id. It is stripped from every record surfaced through OnMutation.
const TrackingAttr = "__tracking_id"

// batchOwner is the literal lock owner used by the implicit batch
// transaction.
const batchOwner = "batch"

// Mutation is one entry of the outward mutation callback: the settled
// record (tracking attribute stripped), the wrapper's final delta,
// and the first-occurrence operation kind for the tracking id. The
// tracking id rides on the entry itself, never inside the item.
type Mutation struct {
	Operation  txn.Kind
	TrackingID string
	Item       map[string]any
	Delta      delta.Delta
}

// Handler consumes the outward mutation list after a commit. Errors
// are logged and swallowed; they never roll back the commit.
type Handler func([]Mutation) error

// Scheduler defers the implicit batch commit to the end of the
// current turn. The default hands the flush to a new goroutine;
// deterministic callers use Flush directly or supply their own.
type Scheduler interface {
	Schedule(fn func())
}

type asyncScheduler struct{}

func (asyncScheduler) Schedule(fn func()) { go fn() }

// Updater mutates a tracked record through its root wrapper.
type Updater func(root *track.Node)

// Collection coordinates items, locks, transactions, and sync state.
// All exported methods are safe for concurrent use; the underlying
// contract is single-writer per item, enforced by the lock table.
type Collection struct {
	mu         sync.Mutex
	name       string
	validator  validation.Validator
	onMutation Handler
	sched      Scheduler

	items   map[string]map[string]any
	pending map[string]*track.Tracker
	locks   map[string]string
	txns    map[string]*txn.Transaction

	buffer        []syncfeed.Message
	keyToTracking map[string]string
	upToDate      bool

	batch batchState
}

type batchState struct {
	tx        *txn.Transaction
	queued    []queuedOp
	scheduled bool
}

type queuedOp struct {
	kind       txn.Kind
	item       any
	trackingID string
}

// Option configures a Collection.
type Option func(*Collection)

// WithValidator installs a schema validator run on insert and update.
func WithValidator(v validation.Validator) Option {
	return func(c *Collection) { c.validator = v }
}

// WithOnMutation installs the outward mutation handler.
func WithOnMutation(h Handler) Option {
	return func(c *Collection) { c.onMutation = h }
}

// WithScheduler replaces the batch-commit scheduler.
func WithScheduler(s Scheduler) Option {
	return func(c *Collection) { c.sched = s }
}

// New creates a collection.
func New(name string, opts ...Option) *Collection {
	c := &Collection{
		name:          name,
		sched:         asyncScheduler{},
		items:         make(map[string]map[string]any),
		pending:       make(map[string]*track.Tracker),
		locks:         make(map[string]string),
		txns:          make(map[string]*txn.Transaction),
		keyToTracking: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Begin opens an explicit transaction against this collection. The
// transaction settles back into the collection on commit or rollback.
func (c *Collection) Begin() *txn.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := txn.Begin(c)
	c.txns[t.ID()] = t
	return t
}

// OpOption configures a single insert/update/remove call.
type OpOption func(*opSettings)

type opSettings struct {
	tx *txn.Transaction
}

// WithTransaction runs the operation inside an explicit transaction
// opened with Begin. Without it the operation joins the implicit
// batch transaction committed at the end of the current turn.
func WithTransaction(t *txn.Transaction) OpOption {
	return func(s *opSettings) { s.tx = t }
}

func applyOpOptions(opts []OpOption) opSettings {
	var s opSettings
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// TrackingID extracts the reserved tracking attribute from a record.
func TrackingID(item map[string]any) (string, bool) {
	id, ok := item[TrackingAttr].(string)
	return id, ok && id != ""
}

// Insert registers a new item, wraps it, locks it for the operation's
// transaction window, and returns the wrapper. The item is validated
// first when a schema is configured; a rejection changes no state.
func (c *Collection) Insert(item map[string]any, opts ...OpOption) (*track.Tracker, error) {
	set := applyOpOptions(opts)

	if c.validator != nil {
		if _, issues := c.validator.Validate(item); issues != nil {
			return nil, &SchemaError{Issues: issues}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if set.tx != nil && set.tx.State() != txn.StateBegan {
		return nil, &txn.StateError{State: set.tx.State()}
	}

	trackingID := ulid.Make().String()
	item[TrackingAttr] = trackingID

	owner := batchOwner
	if set.tx != nil {
		owner = set.tx.ID()
	}
	if err := c.acquireLockLocked(trackingID, owner); err != nil {
		delete(item, TrackingAttr)
		return nil, err
	}

	wrapper := track.New(item)
	c.pending[trackingID] = wrapper

	if set.tx != nil {
		if err := set.tx.Insert(item, trackingID); err != nil {
			return nil, err
		}
	} else {
		c.enqueueBatchLocked(txn.KindInsert, item, trackingID)
	}
	return wrapper, nil
}

// Update re-asserts the item's lock, resolves its wrapper, and runs
// the updater against it, recording the mutation into the wrapper's
// delta. With a schema configured the updater first runs against a
// deep-cloned scratch wrapper; a post-state rejection raises a schema
// error without acquiring the lock or touching the real wrapper.
func (c *Collection) Update(item map[string]any, update Updater, opts ...OpOption) (*track.Tracker, error) {
	set := applyOpOptions(opts)

	trackingID, ok := TrackingID(item)
	if !ok {
		return nil, ErrItemNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	wrapper, exists := c.pending[trackingID]
	record, known := c.items[trackingID]
	if !exists && !known {
		return nil, ErrItemNotFound
	}

	if set.tx != nil && set.tx.State() != txn.StateBegan {
		return nil, &txn.StateError{State: set.tx.State()}
	}

	if c.validator != nil {
		source := record
		if exists {
			source = wrapper.Value().(map[string]any)
		}
		scratch := track.New(delta.Clone(source))
		update(scratch.Root())
		post, _ := scratch.Value().(map[string]any)
		if _, issues := c.validator.Validate(post); issues != nil {
			return nil, &SchemaError{Issues: issues}
		}
	}

	owner := batchOwner
	if set.tx != nil {
		owner = set.tx.ID()
	}
	if err := c.acquireLockLocked(trackingID, owner); err != nil {
		return nil, err
	}

	if !exists {
		// Wrap a copy so writes reach the authoritative map only
		// through settlement.
		wrapper = track.New(delta.Clone(record))
		c.pending[trackingID] = wrapper
	}

	update(wrapper.Root())

	if set.tx != nil {
		if err := set.tx.Update(item, trackingID); err != nil {
			return nil, err
		}
	} else {
		c.enqueueBatchLocked(txn.KindUpdate, item, trackingID)
	}
	return wrapper, nil
}

// Remove forwards a delete for the item. The lock is held through
// settlement; the item and its wrapper are removed on commit.
func (c *Collection) Remove(item map[string]any, opts ...OpOption) error {
	set := applyOpOptions(opts)

	trackingID, ok := TrackingID(item)
	if !ok {
		return ErrItemNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.pending[trackingID]
	_, known := c.items[trackingID]
	if !exists && !known {
		return ErrItemNotFound
	}

	if set.tx != nil && set.tx.State() != txn.StateBegan {
		return &txn.StateError{State: set.tx.State()}
	}

	owner := batchOwner
	if set.tx != nil {
		owner = set.tx.ID()
	}
	if err := c.acquireLockLocked(trackingID, owner); err != nil {
		return err
	}

	if set.tx != nil {
		return set.tx.Delete(item, trackingID)
	}
	c.enqueueBatchLocked(txn.KindDelete, item, trackingID)
	return nil
}

// Items returns the union of authoritative and pending records,
// preferring the pending wrapper's view on collision.
func (c *Collection) Items() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]map[string]any, 0, len(c.items)+len(c.pending))
	for id, rec := range c.items {
		if _, ok := c.pending[id]; ok {
			continue
		}
		out = append(out, rec)
	}
	for _, wrapper := range c.pending {
		if rec, ok := wrapper.Value().(map[string]any); ok {
			out = append(out, rec)
		}
	}
	return out
}

// acquireLockLocked takes or re-asserts the exclusive item lock.
// Re-acquisition by the same owner is idempotent; a different owner
// fails with LockedError.
func (c *Collection) acquireLockLocked(trackingID, owner string) error {
	if held, ok := c.locks[trackingID]; ok && held != owner {
		return &LockedError{TrackingID: trackingID, Owner: held}
	}
	c.locks[trackingID] = owner
	return nil
}

// enqueueBatchLocked lazily creates the batch transaction, queues the
// mutation, and schedules the deferred commit turn on first use.
func (c *Collection) enqueueBatchLocked(kind txn.Kind, item any, trackingID string) {
	if c.batch.tx == nil {
		c.batch.tx = txn.Begin(c)
		c.txns[c.batch.tx.ID()] = c.batch.tx
	}
	c.batch.queued = append(c.batch.queued, queuedOp{kind: kind, item: item, trackingID: trackingID})
	if !c.batch.scheduled {
		c.batch.scheduled = true
		c.sched.Schedule(c.Flush)
	}
}

// Flush replays the queued batch mutations and commits the implicit
// batch transaction. It is the explicit form of the deferred turn the
// scheduler runs; calling it with no open batch is a no-op.
func (c *Collection) Flush() {
	c.mu.Lock()
	batch := c.batch.tx
	if batch == nil {
		c.mu.Unlock()
		return
	}
	queued := c.batch.queued
	c.batch.queued = nil
	c.batch.scheduled = false
	for _, op := range queued {
		var err error
		switch op.kind {
		case txn.KindInsert:
			err = batch.Insert(op.item, op.trackingID)
		case txn.KindUpdate:
			err = batch.Update(op.item, op.trackingID)
		case txn.KindDelete:
			err = batch.Delete(op.item, op.trackingID)
		}
		if err != nil {
			slog.Error("batch replay rejected mutation",
				"component", "collection",
				"collection", c.name,
				"tracking_id", op.trackingID,
				"error", err,
			)
		}
	}
	c.mu.Unlock()

	// Commit re-enters the collection through TransactionCompleted, so
	// it runs outside the mutex.
	if err := batch.Commit(); err != nil {
		slog.Error("batch commit failed",
			"component", "collection",
			"collection", c.name,
			"error", err,
		)
	}
}

// TransactionCompleted receives the settlement event from a child
// transaction. Commits ingest wrapper state into the authoritative
// map, rollbacks flush pending wrappers; either way locks owned by
// the transaction release and the sync drain is re-probed.
func (c *Collection) TransactionCompleted(s txn.Settlement) {
	c.mu.Lock()

	isBatch := c.batch.tx != nil && s.ID == c.batch.tx.ID()

	// Capture wrappers before they are dropped; the outward list needs
	// their final deltas.
	wrappers := make(map[string]*track.Tracker, len(s.Operations))
	for _, op := range s.Operations {
		if w, ok := c.pending[op.TrackingID]; ok {
			wrappers[op.TrackingID] = w
		}
	}

	if s.Status == txn.StatusCommitted {
		for _, op := range s.Operations {
			switch op.Kind {
			case txn.KindDelete:
				delete(c.items, op.TrackingID)
			default:
				if w, ok := wrappers[op.TrackingID]; ok {
					if rec, ok := w.Value().(map[string]any); ok {
						c.items[op.TrackingID] = rec
					}
				}
			}
			delete(c.pending, op.TrackingID)
		}
	} else {
		// Rolled back: authoritative state is untouched and pending
		// wrappers flush so stale user writes cannot linger.
		for _, op := range s.Operations {
			delete(c.pending, op.TrackingID)
		}
	}

	for id, owner := range c.locks {
		if owner == s.ID || (isBatch && owner == batchOwner) {
			delete(c.locks, id)
		}
	}

	delete(c.txns, s.ID)
	if isBatch {
		c.batch = batchState{}
	}

	var mutations []Mutation
	if s.Status == txn.StatusCommitted && c.onMutation != nil {
		mutations = c.buildMutationsLocked(s.Operations, wrappers)
	}
	c.mu.Unlock()

	if len(mutations) > 0 {
		if err := c.onMutation(mutations); err != nil {
			slog.Error("mutation handler failed",
				"component", "collection",
				"collection", c.name,
				"transaction_id", s.ID,
				"error", err,
			)
		}
	}

	c.tryDrain()
}

// buildMutationsLocked deduplicates operations by tracking id (first
// occurrence wins) and assembles the outward entries.
func (c *Collection) buildMutationsLocked(ops []txn.Operation, wrappers map[string]*track.Tracker) []Mutation {
	seen := make(map[string]struct{}, len(ops))
	out := make([]Mutation, 0, len(ops))
	for _, op := range ops {
		if _, dup := seen[op.TrackingID]; dup {
			continue
		}
		seen[op.TrackingID] = struct{}{}

		var rec map[string]any
		if op.Kind == txn.KindDelete {
			rec, _ = op.Item.(map[string]any)
		} else {
			rec = c.items[op.TrackingID]
		}

		m := Mutation{Operation: op.Kind, TrackingID: op.TrackingID, Item: stripTracking(rec)}
		if w, ok := wrappers[op.TrackingID]; ok {
			m.Delta = w.Delta()
		}
		out = append(out, m)
	}
	return out
}

// stripTracking deep-copies a record without the reserved attribute.
func stripTracking(rec map[string]any) map[string]any {
	if rec == nil {
		return nil
	}
	out, _ := delta.Clone(rec).(map[string]any)
	delete(out, TrackingAttr)
	return out
}

// Package txn implements the single-process and collective transaction
// engine: start/associate/create/free/close, the critical-failure latch,
// and the commit-time block reallocation and index-patching sequence.
package txn

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/nod/internal/locator"
	"github.com/cuemby/nod/internal/nod/block"
	"github.com/cuemby/nod/internal/nod/edge"
	"github.com/cuemby/nod/internal/nod/index"
	"github.com/cuemby/nod/internal/nod/property"
	"github.com/cuemby/nod/internal/nod/segment"
	"github.com/cuemby/nod/internal/nod/vertex"
	"github.com/cuemby/nod/internal/nod/vlock"
	"github.com/cuemby/nod/internal/nodkind"
	"github.com/cuemby/nod/internal/nodlog"
	"github.com/cuemby/nod/internal/nodmetrics"
	"github.com/cuemby/nod/internal/registry"
)

func (k Kind) String() string {
	if k == Collective {
		return "collective"
	}
	return "single"
}

// Kind distinguishes a single-process transaction from a collective one.
// A peer refuses to start one kind while the other is active.
type Kind int

const (
	Single Kind = iota
	Collective
)

// Database is one peer's handle onto a running NOD instance: the block
// allocator, the distributed index, the label/property-type registries,
// and the admission-control counters StartSingle/StartCollective consult.
// A Database is only ever driven by the one OS thread/goroutine that
// represents its peer, so these counters need no locking of their own.
type Database struct {
	Blocks *block.Manager
	Index  *index.Index
	Labels *registry.Labels
	Props  *registry.PropertyTypes

	collectiveActive bool
	singleActive     int
}

// NewDatabase wires the four cluster-shared components a transaction
// needs into one peer-local handle.
func NewDatabase(blocks *block.Manager, idx *index.Index, labels *registry.Labels, props *registry.PropertyTypes) *Database {
	return &Database{Blocks: blocks, Index: idx, Labels: labels, Props: props}
}

// edgeHolder cross-references the two endpoints of one CreateEdge call.
// Nothing currently re-reads this after creation (both offsets are
// pinned for the remainder of the transaction, since Shrink only runs at
// commit, after which the transaction closes and the edgeHolder goes
// with it), but it is the natural extension point were a future
// operation (an explicit edge-delete-by-reference, say) to need fast
// access from either side without re-running Find.
type edgeHolder struct {
	origin       *vertex.Holder
	target       *vertex.Holder
	originOffset int
	targetOffset int
}

// Transaction is a single- or collective transaction handle. It owns
// every vertex holder it has created or associated, and is latched into
// `critical` by any remote-atomic failure it cannot recover from.
type Transaction struct {
	ID   string
	kind Kind
	db   *Database

	critical bool
	closed   bool

	holders map[locator.Locator]*vertex.Holder
	order   []locator.Locator
	edges   []*edgeHolder

	started *nodmetrics.Timer
}

// StartSingle implements start_single(db): refuses if a collective
// transaction is active on this peer.
func StartSingle(db *Database) (*Transaction, error) {
	if db.collectiveActive {
		return nil, nodkind.New(nodkind.ErrIncompatibleTransactions, "txn: collective transaction active on this peer")
	}
	db.singleActive++
	nodmetrics.TransactionsStartedTotal.WithLabelValues(Single.String()).Inc()
	return newTxn(db, Single), nil
}

// StartCollective implements start_collective(db): barriers across
// peers, refusing first if any single-process transaction is active on
// this peer.
func StartCollective(ctx context.Context, db *Database) (*Transaction, error) {
	if db.singleActive > 0 {
		return nil, nodkind.New(nodkind.ErrIncompatibleTransactions, "txn: single-process transaction active on this peer")
	}
	if err := db.Blocks.Facade().Group().Barrier(ctx); err != nil {
		return nil, nodkind.Wrap(nodkind.ErrTransactionCritical, err, "txn: collective start barrier")
	}
	db.collectiveActive = true
	nodmetrics.TransactionsStartedTotal.WithLabelValues(Collective.String()).Inc()
	return newTxn(db, Collective), nil
}

func newTxn(db *Database, k Kind) *Transaction {
	return &Transaction{ID: uuid.NewString(), kind: k, db: db, holders: make(map[locator.Locator]*vertex.Holder), started: nodmetrics.NewTimer()}
}

func (t *Transaction) checkUsable() error {
	if t.closed {
		return nodkind.New(nodkind.ErrState, "txn: transaction already closed")
	}
	if t.critical {
		return nodkind.New(nodkind.ErrTransactionCritical, "txn: transaction is critical; close(abort) is the only valid next action")
	}
	return nil
}

func (t *Transaction) track(h *vertex.Holder) {
	t.holders[h.Primary] = h
	t.order = append(t.order, h.Primary)
}

func (t *Transaction) newLock(loc locator.Locator) *vlock.Lock {
	return vlock.New(t.db.Blocks.Facade(), t.db.Blocks.LockWindow(), t.db.Blocks.BlockSize(), loc)
}

// CreateVertex allocates a primary block on the local peer, sets its
// write bit (no CAS needed, since the block is unpublished), and builds
// an empty property list with an ID record if externalID is non-empty.
// size is accepted for parity with callers that already know a target
// size but carries no allocation behavior of its own: the allocator
// always hands out one fixed-size block per segment position, and any
// additional blocks this vertex eventually needs are acquired at commit
// once its true content size is known.
func (t *Transaction) CreateVertex(ctx context.Context, externalID []byte, size int) (*vertex.Holder, error) {
	if err := t.checkUsable(); err != nil {
		return nil, err
	}
	_ = size

	primary, err := t.db.Blocks.Allocate(ctx, t.db.Blocks.Rank())
	if err != nil {
		return nil, err
	}
	incarnation, err := t.newLock(primary).SetWriteOnFreshBlock(ctx)
	if err != nil {
		t.critical = true
		return nil, nodkind.Wrap(nodkind.ErrTransactionCritical, err, "txn: set write bit on fresh block %v", primary)
	}

	h := vertex.NewForCreate(primary, incarnation)
	if len(externalID) > 0 {
		if err := h.Props.SetID(externalID); err != nil {
			return nil, err
		}
	}
	t.track(h)
	return h, nil
}

// AssociateVertex implements associate_vertex(locator, txn): returns the
// existing holder if loc is already in this transaction's key_to_holder
// cache, otherwise acquires the remote read lock and fetches the
// segment.
func (t *Transaction) AssociateVertex(ctx context.Context, loc locator.Locator) (*vertex.Holder, error) {
	if err := t.checkUsable(); err != nil {
		return nil, err
	}
	if h, ok := t.holders[loc]; ok {
		if h.Deleted {
			return nil, nodkind.New(nodkind.ErrVertex, "txn: vertex %v already deleted in this transaction", loc)
		}
		return h, nil
	}

	lk := t.newLock(loc)
	incarnation, ok, err := lk.AcquireRead(ctx)
	if err != nil {
		t.critical = true
		return nil, nodkind.Wrap(nodkind.ErrTransactionCritical, err, "txn: acquire_read %v", loc)
	}
	if !ok {
		t.critical = true
		return nil, nodkind.New(nodkind.ErrTransactionCritical, "txn: acquire_read %v failed: writer held", loc)
	}

	h, err := vertex.Fetch(ctx, t.db.Blocks, loc, incarnation)
	if err != nil {
		_ = lk.ReleaseRead(ctx)
		t.critical = true
		return nil, nodkind.Wrap(nodkind.ErrTransactionCritical, err, "txn: fetch segment %v", loc)
	}
	t.track(h)
	return h, nil
}

// TranslateVertexID consults the distributed index, and, for
// single-process transactions only, pre-associates the result, verifying
// the lock's incarnation against the one the index had on record. A
// mismatch means a racing delete and reinsert already moved past this
// locator, and forces the transaction critical rather than silently
// reading stale data.
func (t *Transaction) TranslateVertexID(ctx context.Context, label registry.Handle, externalID []byte) (found bool, loc locator.Locator, err error) {
	if err := t.checkUsable(); err != nil {
		return false, locator.Null, err
	}
	loc, indexIncarnation, found, err := t.db.Index.Find(ctx, label, externalID)
	if err != nil {
		return false, locator.Null, err
	}
	if !found {
		return false, locator.Null, nil
	}
	if t.kind != Single {
		return true, loc, nil
	}
	if _, already := t.holders[loc]; already {
		return true, loc, nil
	}

	lk := t.newLock(loc)
	gotIncarnation, ok, err := lk.AcquireRead(ctx)
	if err != nil {
		t.critical = true
		return false, locator.Null, nodkind.Wrap(nodkind.ErrTransactionCritical, err, "txn: pre-associate acquire_read %v", loc)
	}
	if !ok {
		t.critical = true
		return false, locator.Null, nodkind.New(nodkind.ErrTransactionCritical, "txn: pre-associate %v failed: writer held", loc)
	}
	if gotIncarnation != indexIncarnation {
		_ = lk.ReleaseRead(ctx)
		t.critical = true
		return false, locator.Null, nodkind.New(nodkind.ErrTransactionCritical, "txn: incarnation mismatch for %v: index had %d, lock has %d", loc, indexIncarnation, gotIncarnation)
	}
	h, err := vertex.Fetch(ctx, t.db.Blocks, loc, gotIncarnation)
	if err != nil {
		_ = lk.ReleaseRead(ctx)
		t.critical = true
		return false, locator.Null, nodkind.Wrap(nodkind.ErrTransactionCritical, err, "txn: pre-associate fetch %v", loc)
	}
	t.track(h)
	return true, loc, nil
}

func (t *Transaction) upgradeToWrite(ctx context.Context, h *vertex.Holder) error {
	if h.Lock == vertex.LockWrite {
		return nil
	}
	ok, err := h.UpgradeToWrite(ctx, t.newLock(h.Primary))
	if err != nil {
		t.critical = true
		nodmetrics.LockUpgradeTotal.WithLabelValues("failed").Inc()
		return nodkind.Wrap(nodkind.ErrTransactionCritical, err, "txn: upgrade_to_write %v", h.Primary)
	}
	if !ok {
		t.critical = true
		nodmetrics.LockUpgradeTotal.WithLabelValues("failed").Inc()
		return nodkind.New(nodkind.ErrTransactionCritical, "txn: upgrade_to_write %v failed: other readers present", h.Primary)
	}
	nodmetrics.LockUpgradeTotal.WithLabelValues("ok").Inc()
	return nil
}

// FreeVertex upgrades to write, marks the vertex deleted, and for every
// live edge entry associates (and write-locks) the partner, removes the
// partner's symmetric slot, and marks the partner written. Teardown of
// this vertex's own edge table is implicit: its blocks are freed wholesale
// at commit.
func (t *Transaction) FreeVertex(ctx context.Context, h *vertex.Holder) error {
	if err := t.checkUsable(); err != nil {
		return err
	}
	if err := t.upgradeToWrite(ctx, h); err != nil {
		return err
	}

	for _, off := range h.Edges.Filter(edge.OrientEither, edge.LabelPolicyNone, nil) {
		peerLoc, label := h.Edges.Peer(off)
		orient := h.Edges.Orient(off)

		partner, err := t.AssociateVertex(ctx, peerLoc)
		if err != nil {
			return err
		}
		if err := t.upgradeToWrite(ctx, partner); err != nil {
			return err
		}
		partnerOffset, ok := partner.Edges.Find(edge.Symmetric(orient), h.Primary, label)
		if !ok {
			t.critical = true
			return nodkind.New(nodkind.ErrTransactionCritical, "txn: free_vertex could not find symmetric edge slot on partner %v", peerLoc)
		}
		partner.Edges.Remove(partnerOffset)
		partner.Written = true
	}

	h.MarkDeleted()
	return nil
}

// CreateEdge upgrades both endpoints to write and appends a slot to each
// side's edge table. orient is origin's view of the relationship
// (OrientUndirected, or OrientOutgoing for an origin->target directed
// edge); target's slot is stored with the symmetric orientation.
func (t *Transaction) CreateEdge(ctx context.Context, origin, target *vertex.Holder, label registry.Handle, orient int) error {
	if err := t.checkUsable(); err != nil {
		return err
	}
	if _, err := t.db.Labels.ByHandle(label); err != nil {
		return err
	}
	if err := t.upgradeToWrite(ctx, origin); err != nil {
		return err
	}
	if err := t.upgradeToWrite(ctx, target); err != nil {
		return err
	}

	originOffset := origin.Edges.Add(orient, target.Primary, label)
	targetOffset := target.Edges.Add(edge.Symmetric(orient), origin.Primary, label)
	origin.Written = true
	target.Written = true

	t.edges = append(t.edges, &edgeHolder{origin: origin, target: target, originOffset: originOffset, targetOffset: targetOffset})
	return nil
}

// SetEdgeProperty and RemoveEdgeProperty validate their inputs (the
// property type exists and the target slot is live; SetEdgeProperty also
// checks the slot's orientation against orientMask) and mark the holder
// written, without storing anything: edge properties are declared in the
// type system but never persisted.
func (t *Transaction) SetEdgeProperty(h *vertex.Holder, offset int, ptype registry.Handle, orientMask int) error {
	if err := t.checkUsable(); err != nil {
		return err
	}
	if _, err := t.db.Props.ByHandle(ptype); err != nil {
		return err
	}
	if !h.Edges.Live(offset) {
		return nodkind.New(nodkind.ErrEdge, "txn: edge slot %d not live", offset)
	}
	if h.Edges.Orient(offset)&orientMask == 0 {
		return nodkind.New(nodkind.ErrEdgeOrientation, "txn: edge slot %d orientation mismatch", offset)
	}
	h.Written = true
	return nil
}

func (t *Transaction) RemoveEdgeProperty(h *vertex.Holder, offset int, ptype registry.Handle) error {
	if err := t.checkUsable(); err != nil {
		return err
	}
	if _, err := t.db.Props.ByHandle(ptype); err != nil {
		return err
	}
	if !h.Edges.Live(offset) {
		return nodkind.New(nodkind.ErrEdge, "txn: edge slot %d not live", offset)
	}
	h.Written = true
	return nil
}

// AddProperty, RemoveProperty, UpdateProperty, AddLabel and RemoveLabel
// edit the transaction's own private holder copy only; they do not
// upgrade the remote lock. The write lock is acquired lazily, once, at
// commit (commitLocked), exactly like any other `written` vertex with no
// edge side effects. FreeVertex and CreateEdge are the two operations
// that upgrade eagerly, because their edge-teardown/creation side
// effects touch a *different* vertex (the partner) that must observe a
// consistent state immediately, not just at this transaction's eventual
// commit. Deferring the upgrade here is what lets another transaction
// still associate-read the vertex while edits sit in this transaction's
// private copy.

func (t *Transaction) AddProperty(ctx context.Context, h *vertex.Holder, ptype registry.Handle, payload []byte, policy property.DupPolicy) error {
	if err := t.checkUsable(); err != nil {
		return err
	}
	def, err := t.db.Props.ByHandle(ptype)
	if err != nil {
		return err
	}
	if def.DatatypeSize > 0 {
		if err := def.ValidateCount(uint32(len(payload)) / def.DatatypeSize); err != nil {
			return err
		}
	}
	if err := h.Props.Add(byte(ptype), payload, policy); err != nil {
		return err
	}
	h.Written = true
	return nil
}

func (t *Transaction) RemoveProperty(ctx context.Context, h *vertex.Holder, ptype registry.Handle, payload []byte) error {
	if err := t.checkUsable(); err != nil {
		return err
	}
	if err := h.Props.RemoveSpecific(byte(ptype), payload); err != nil {
		return err
	}
	h.Written = true
	return nil
}

func (t *Transaction) UpdateProperty(ctx context.Context, h *vertex.Holder, ptype registry.Handle, oldValue, newValue []byte) error {
	if err := t.checkUsable(); err != nil {
		return err
	}
	if err := h.Props.Update(byte(ptype), oldValue, newValue); err != nil {
		return err
	}
	h.Written = true
	return nil
}

func (t *Transaction) AddLabel(ctx context.Context, h *vertex.Holder, label registry.Handle) error {
	if err := t.checkUsable(); err != nil {
		return err
	}
	if _, err := t.db.Labels.ByHandle(label); err != nil {
		return err
	}
	if err := h.Props.AddLabel(label); err != nil {
		return err
	}
	h.Written = true
	return nil
}

func (t *Transaction) RemoveLabel(ctx context.Context, h *vertex.Holder, label registry.Handle) error {
	if err := t.checkUsable(); err != nil {
		return err
	}
	h.Props.RemoveLabel(label)
	h.Written = true
	return nil
}

// Close commits or aborts a single-process transaction. Any critical
// flag forces abort regardless of what the caller requested.
func (t *Transaction) Close(ctx context.Context, commit bool) error {
	if t.kind != Single {
		return nodkind.New(nodkind.ErrState, "txn: Close called on a collective transaction; use CloseCollective")
	}
	if t.closed {
		return nodkind.New(nodkind.ErrState, "txn: transaction already closed")
	}

	forced := t.critical
	if forced {
		commit = false
	}

	if !commit {
		t.releaseAll(ctx)
		t.abortSpeculativeBlocks(ctx)
		t.finish()
		reason := "explicit"
		if forced {
			reason = "critical"
		}
		nodmetrics.TransactionsAbortedTotal.WithLabelValues(Single.String(), reason).Inc()
		if forced {
			return nodkind.New(nodkind.ErrTransactionCommitFail, "txn: forced abort due to critical failure")
		}
		return nil
	}

	if err := t.commitLocked(ctx); err != nil {
		t.critical = true
		t.releaseAll(ctx)
		t.finish()
		nodmetrics.TransactionsAbortedTotal.WithLabelValues(Single.String(), "critical").Inc()
		nodlog.WithTxn(t.ID).Error().Err(err).Msg("commit failed")
		return nodkind.Wrap(nodkind.ErrTransactionCommitFail, err, "txn: commit failed")
	}
	t.finish()
	nodmetrics.TransactionsCommittedTotal.WithLabelValues(Single.String()).Inc()
	return nil
}

// CloseCollective runs an allreduce over every participant's chosen
// outcome to decide the unanimous result. Collective transactions are
// always read-only, so there is nothing to write back, only locks to
// release.
func (t *Transaction) CloseCollective(ctx context.Context, wantCommit bool) (committed bool, err error) {
	if t.kind != Collective {
		return false, nodkind.New(nodkind.ErrState, "txn: CloseCollective called on a single-process transaction; use Close")
	}
	if t.closed {
		return false, nodkind.New(nodkind.ErrState, "txn: transaction already closed")
	}

	vote := wantCommit && !t.critical
	unanimous, err := t.db.Blocks.Facade().Group().Allreduce(ctx, vote)
	if err != nil {
		t.critical = true
		t.releaseAll(ctx)
		t.finish()
		nodmetrics.TransactionsAbortedTotal.WithLabelValues(Collective.String(), "critical").Inc()
		return false, nodkind.Wrap(nodkind.ErrTransactionCritical, err, "txn: close_collective allreduce")
	}
	t.releaseAll(ctx)
	t.finish()
	if unanimous {
		nodmetrics.TransactionsCommittedTotal.WithLabelValues(Collective.String()).Inc()
	} else {
		nodmetrics.TransactionsAbortedTotal.WithLabelValues(Collective.String(), "unanimity_failed").Inc()
	}
	return unanimous, nil
}

func (t *Transaction) finish() {
	t.closed = true
	t.started.ObserveDurationVec(nodmetrics.TransactionDuration, t.kind.String())
	switch t.kind {
	case Single:
		t.db.singleActive--
	case Collective:
		t.db.collectiveActive = false
	}
}

func (t *Transaction) releaseAll(ctx context.Context) {
	for _, loc := range t.order {
		h := t.holders[loc]
		lk := t.newLock(h.Primary)
		switch h.Lock {
		case vertex.LockWrite:
			_ = lk.ReleaseWrite(ctx, false) // abort never persists a delete
		case vertex.LockRead:
			_ = lk.ReleaseRead(ctx)
		}
	}
}

func (t *Transaction) abortSpeculativeBlocks(ctx context.Context) {
	for _, loc := range t.order {
		h := t.holders[loc]
		if !h.Created {
			continue
		}
		for _, b := range h.Blocks {
			_ = t.db.Blocks.Deallocate(ctx, b)
		}
	}
}

// commitLocked runs commit's four steps in order: block reallocation and
// write-back, a full flush, index patching, and lock release.
func (t *Transaction) commitLocked(ctx context.Context) error {
	facade := t.db.Blocks.Facade()
	blockSize := t.db.Blocks.BlockSize()

	for _, loc := range t.order {
		h := t.holders[loc]
		switch {
		case h.Deleted:
			for _, b := range h.Blocks {
				if err := t.db.Blocks.Deallocate(ctx, b); err != nil {
					return fmt.Errorf("txn: deallocate %v: %w", b, err)
				}
			}
		case h.Written:
			if err := t.upgradeToWrite(ctx, h); err != nil {
				return err
			}
			if len(h.Edges.Shrink()) > 0 {
				nodmetrics.EdgeShrinkTotal.Inc()
			}
			numBlocks := h.RequiredBlocks(blockSize)
			if err := t.resizeBlocks(ctx, h, numBlocks); err != nil {
				return err
			}
			overflow := append([]locator.Locator(nil), h.Blocks[1:]...)
			stream := h.Encode(numBlocks, overflow)
			blocks, err := segment.SplitIntoBlocks(stream, int(numBlocks), blockSize)
			if err != nil {
				return fmt.Errorf("txn: split segment for %v: %w", h.Primary, err)
			}
			for i, b := range h.Blocks {
				if err := t.db.Blocks.WriteBlock(ctx, b, blocks[i]); err != nil {
					return fmt.Errorf("txn: write block %v: %w", b, err)
				}
			}
		}
	}

	if err := facade.FlushAll(ctx); err != nil {
		return fmt.Errorf("txn: flush_all: %w", err)
	}

	for _, loc := range t.order {
		h := t.holders[loc]
		if h.Created && h.Deleted {
			// Creating and deleting the same vertex within one transaction
			// suppresses both the index insert and the index remove: there
			// is nothing to remove, since it was never inserted.
			continue
		}
		if h.Created {
			if err := t.patchIndex(ctx, h, t.db.Index.Insert); err != nil {
				return err
			}
		} else if h.Deleted {
			if err := t.patchIndex(ctx, h, func(ctx context.Context, label registry.Handle, key []byte, _ locator.Locator, _ uint32) error {
				return t.db.Index.Remove(ctx, label, key)
			}); err != nil {
				return err
			}
		}
	}

	for _, loc := range t.order {
		h := t.holders[loc]
		lk := t.newLock(h.Primary)
		switch h.Lock {
		case vertex.LockWrite:
			if err := lk.ReleaseWrite(ctx, h.Deleted); err != nil {
				return fmt.Errorf("txn: release_write %v: %w", h.Primary, err)
			}
		case vertex.LockRead:
			if err := lk.ReleaseRead(ctx); err != nil {
				return fmt.Errorf("txn: release_read %v: %w", h.Primary, err)
			}
		}
	}
	return nil
}

// patchIndex applies op for every label on h (or LABEL_NONE if h has
// none), skipping entirely if h was never given an external id (there is
// no key to index a vertex under otherwise).
func (t *Transaction) patchIndex(ctx context.Context, h *vertex.Holder, op func(context.Context, registry.Handle, []byte, locator.Locator, uint32) error) error {
	id, ok := h.Props.ID()
	if !ok {
		return nil
	}
	labels := h.Props.Labels()
	if len(labels) == 0 {
		return op(ctx, registry.LabelNone, id, h.Primary, h.Incarnation)
	}
	for _, l := range labels {
		if err := op(ctx, l, id, h.Primary, h.Incarnation); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) resizeBlocks(ctx context.Context, h *vertex.Holder, numBlocks uint32) error {
	rank := h.Primary.Rank()
	for uint32(len(h.Blocks)) < numBlocks {
		b, err := t.db.Blocks.Allocate(ctx, rank)
		if err != nil {
			return err
		}
		h.Blocks = append(h.Blocks, b)
	}
	for uint32(len(h.Blocks)) > numBlocks {
		last := h.Blocks[len(h.Blocks)-1]
		if err := t.db.Blocks.Deallocate(ctx, last); err != nil {
			return err
		}
		h.Blocks = h.Blocks[:len(h.Blocks)-1]
	}
	return nil
}

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/chainfood/internal/orders"
	"github.com/jogardn/chainfood/pkg/models"
	"github.com/sirupsen/logrus"
)

var ErrStopped = errors.New("ledger node stopped")

type NodeConfig struct {
	QueueSize int
	Clock     func() time.Time
}

type submission struct {
	id   string
	call Call
}

type entry struct {
	receipt Receipt
	done    chan struct{}
}

// Node executes calls one at a time in arrival order, journaling each call
// before applying it. Reads go straight to the contracts.
type Node struct {
	contracts *Contracts
	journal   Journal
	clock     func() time.Time
	queue     chan submission
	logger    *logrus.Logger

	mutex    sync.RWMutex
	receipts map[string]*entry
	nonces   map[string]string
	seq      uint64
	last     time.Time

	stopped chan struct{}
}

func NewNode(contracts *Contracts, journal Journal, config NodeConfig, logger *logrus.Logger) *Node {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Node{
		contracts: contracts,
		journal:   journal,
		clock:     config.Clock,
		queue:     make(chan submission, config.QueueSize),
		logger:    logger,
		receipts:  make(map[string]*entry),
		nonces:    make(map[string]string),
		stopped:   make(chan struct{}),
	}
}

// Replay rebuilds state from the journal. It must run before Run.
func (n *Node) Replay(ctx context.Context) error {
	txs, err := n.journal.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load journal: %w", err)
	}

	replayCtx := orders.WithoutPublishing(ctx)
	reverted := 0
	for _, tx := range txs {
		receipt := n.apply(replayCtx, tx)
		if receipt.Status == TxReverted {
			reverted++
		}

		n.mutex.Lock()
		n.receipts[tx.ID] = finished(receipt)
		if key := nonceKey(tx.Call); key != "" {
			n.nonces[key] = tx.ID
		}
		n.seq = tx.Seq
		n.last = tx.Timestamp
		n.mutex.Unlock()
	}

	n.logger.WithFields(logrus.Fields{
		"transactions": len(txs),
		"reverted":     reverted,
		"height":       n.Height(),
	}).Info("Journal replayed")
	return nil
}

// Run drains the submission queue until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	defer close(n.stopped)

	n.logger.WithField("height", n.Height()).Info("Ledger node executor started")
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("Ledger node executor stopping")
			return ctx.Err()
		case sub := <-n.queue:
			n.execute(ctx, sub)
		}
	}
}

func (n *Node) Submit(ctx context.Context, call Call) (string, error) {
	call.From = models.NewAddress(string(call.From))
	if call.From.IsZero() {
		return "", fmt.Errorf("%w: call has no sender", models.ErrInvalidArgument)
	}
	if call.Method == "" {
		return "", fmt.Errorf("%w: call has no method", models.ErrInvalidArgument)
	}
	if len(call.Nonce) > MaxNonceLength {
		return "", fmt.Errorf("%w: nonce longer than %d bytes", models.ErrInvalidArgument, MaxNonceLength)
	}

	sub := submission{id: uuid.New().String(), call: call}
	key := nonceKey(call)

	n.mutex.Lock()
	if existing, ok := n.nonces[key]; ok && key != "" {
		n.mutex.Unlock()
		n.logger.WithFields(logrus.Fields{
			"tx_id":  existing,
			"method": call.Method,
			"from":   call.From,
		}).Debug("Duplicate submission, returning existing transaction")
		return existing, nil
	}
	n.receipts[sub.id] = &entry{
		receipt: Receipt{TxID: sub.id, Status: TxPending},
		done:    make(chan struct{}),
	}
	if key != "" {
		n.nonces[key] = sub.id
	}
	n.mutex.Unlock()

	select {
	case n.queue <- sub:
	case <-n.stopped:
		n.drop(sub.id, key)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, ErrStopped)
	case <-ctx.Done():
		n.drop(sub.id, key)
		return "", ctx.Err()
	}

	n.logger.WithFields(logrus.Fields{
		"tx_id":  sub.id,
		"method": call.Method,
		"from":   call.From,
	}).Debug("Transaction submitted")

	return sub.id, nil
}

func (n *Node) drop(id, key string) {
	n.mutex.Lock()
	delete(n.receipts, id)
	if key != "" && n.nonces[key] == id {
		delete(n.nonces, key)
	}
	n.mutex.Unlock()
}

// nonceKey scopes a nonce to its sender. Empty means not idempotent.
func nonceKey(call Call) string {
	if call.Nonce == "" {
		return ""
	}
	return string(call.From) + "/" + call.Nonce
}

// Await blocks until the transaction is final or ctx ends.
func (n *Node) Await(ctx context.Context, txID string) (Receipt, error) {
	n.mutex.RLock()
	e, ok := n.receipts[txID]
	n.mutex.RUnlock()
	if !ok {
		return Receipt{}, fmt.Errorf("%w: transaction %s", models.ErrNotFound, txID)
	}

	select {
	case <-e.done:
		n.mutex.RLock()
		defer n.mutex.RUnlock()
		return e.receipt, nil
	case <-ctx.Done():
		return Receipt{TxID: txID, Status: TxPending}, ctx.Err()
	}
}

// Receipt returns the current receipt without waiting.
func (n *Node) Receipt(txID string) (Receipt, bool) {
	n.mutex.RLock()
	defer n.mutex.RUnlock()

	e, ok := n.receipts[txID]
	if !ok {
		return Receipt{}, false
	}
	return e.receipt, true
}

func (n *Node) Read(ctx context.Context, query Query, out interface{}) error {
	value, err := n.contracts.Query(query)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", query.Entity, err)
	}
	return json.Unmarshal(raw, out)
}

func (n *Node) Height() uint64 {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	return n.seq
}

func (n *Node) execute(ctx context.Context, sub submission) {
	n.mutex.RLock()
	tx := Tx{ID: sub.id, Seq: n.seq + 1, Call: sub.call, Timestamp: n.clock().UTC().Truncate(time.Microsecond)}
	if tx.Timestamp.Before(n.last) {
		tx.Timestamp = n.last
	}
	n.mutex.RUnlock()

	fields := logrus.Fields{
		"tx_id":  tx.ID,
		"seq":    tx.Seq,
		"method": tx.Call.Method,
		"from":   tx.Call.From,
	}

	var receipt Receipt
	if err := n.journal.Append(ctx, tx); err != nil {
		n.logger.WithFields(fields).WithError(err).Error("Failed to journal transaction")
		receipt = Receipt{
			TxID:      tx.ID,
			Status:    TxFailed,
			Reason:    err.Error(),
			Timestamp: tx.Timestamp,
		}
	} else {
		receipt = n.apply(ctx, tx)
		n.mutex.Lock()
		n.seq = tx.Seq
		n.last = tx.Timestamp
		n.mutex.Unlock()
	}

	n.mutex.Lock()
	e := n.receipts[tx.ID]
	e.receipt = receipt
	close(e.done)
	// A call that never reached the journal may run again under its nonce.
	if key := nonceKey(tx.Call); receipt.Status == TxFailed && key != "" && n.nonces[key] == tx.ID {
		delete(n.nonces, key)
	}
	n.mutex.Unlock()

	fields["status"] = receipt.Status
	if receipt.Status == TxReverted {
		fields["code"] = receipt.Code
	}
	n.logger.WithFields(fields).Info("Transaction finalized")
}

func (n *Node) apply(ctx context.Context, tx Tx) Receipt {
	var events []models.Event
	ctx = orders.WithEventSink(ctx, func(emitted []models.Event) {
		events = append(events, emitted...)
	})

	receipt := Receipt{TxID: tx.ID, Seq: tx.Seq, Timestamp: tx.Timestamp}

	result, err := n.contracts.Apply(ctx, tx)
	if err != nil {
		receipt.Status = TxReverted
		receipt.Code = models.ErrorCode(err)
		receipt.Reason = err.Error()
		return receipt
	}

	receipt.Status = TxConfirmed
	receipt.Events = events
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			n.logger.WithError(err).WithField("tx_id", tx.ID).Error("Failed to encode transaction result")
		} else {
			receipt.Result = raw
		}
	}
	return receipt
}

func finished(receipt Receipt) *entry {
	done := make(chan struct{})
	close(done)
	return &entry{receipt: receipt, done: done}
}

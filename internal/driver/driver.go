package driver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/chainfood/internal/circuitbreaker"
	"github.com/jogardn/chainfood/internal/ledger"
	"github.com/jogardn/chainfood/internal/orders"
	"github.com/jogardn/chainfood/pkg/models"
	"github.com/sirupsen/logrus"
)

// ErrSignatureRejected means the wallet declined to sign. It is transient:
// the user may approve on a later attempt.
var ErrSignatureRejected = errors.New("signature rejected")

// ErrOutcomeUnknown means the call was submitted but its receipt could not be
// fetched. Re-read ledger state before trying again.
var ErrOutcomeUnknown = errors.New("transaction outcome unknown")

type Phase string

const (
	PhaseAwaitingSignature Phase = "awaiting_signature"
	PhasePending           Phase = "pending"
	PhaseConfirmed         Phase = "confirmed"
	PhaseFailed            Phase = "failed"
)

type Update struct {
	Phase   Phase
	Method  string
	TxID    string
	Attempt int
	Err     error
}

// Signer stands in for the user's wallet.
type Signer interface {
	Sign(ctx context.Context, call ledger.Call) (ledger.Call, error)
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(ctx context.Context, call ledger.Call) (ledger.Call, error)

func (f SignerFunc) Sign(ctx context.Context, call ledger.Call) (ledger.Call, error) {
	return f(ctx, call)
}

type Config struct {
	MaxRetries        int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	// SettleDelay is waited after confirmation before dependent reads.
	SettleDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialRetryDelay: 500 * time.Millisecond,
		MaxRetryDelay:     8 * time.Second,
		SettleDelay:       2 * time.Second,
	}
}

// Driver submits transitions on behalf of one user and reports the phases
// each one goes through.
type Driver struct {
	client   ledger.Client
	signer   Signer
	config   Config
	observer func(Update)
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *logrus.Logger
}

func New(client ledger.Client, signer Signer, config Config, logger *logrus.Logger) *Driver {
	if config.InitialRetryDelay <= 0 {
		config.InitialRetryDelay = DefaultConfig().InitialRetryDelay
	}
	if config.MaxRetryDelay < config.InitialRetryDelay {
		config.MaxRetryDelay = config.InitialRetryDelay
	}

	return &Driver{
		client:   client,
		signer:   signer,
		config:   config,
		observer: func(Update) {},
		sleep:    sleepContext,
		logger:   logger,
	}
}

// OnPhase registers fn to observe phase changes. It is called synchronously.
func (d *Driver) OnPhase(fn func(Update)) {
	if fn == nil {
		fn = func(Update) {}
	}
	d.observer = fn
}

// IsTransient reports errors worth retrying: wallet rejection, an unreachable
// or failing ledger, an open breaker and timeouts. Protocol errors are never
// transient.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrSignatureRejected),
		errors.Is(err, ledger.ErrUnavailable),
		errors.Is(err, circuitbreaker.ErrOpen),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// Execute signs, submits and awaits call. Ledger-side transient failures are
// retried with exponential backoff; a signature rejection is returned at
// once so the user can decide. A reverted receipt is returned with its
// protocol error and never retried. Every attempt carries the same nonce, so
// a submit whose reply was lost resolves to the original transaction.
func (d *Driver) Execute(ctx context.Context, call ledger.Call) (ledger.Receipt, error) {
	if call.Nonce == "" {
		call.Nonce = uuid.NewString()
	}
	d.emit(Update{Phase: PhaseAwaitingSignature, Method: call.Method})
	signed, err := d.signer.Sign(ctx, call)
	if err != nil {
		d.emit(Update{Phase: PhaseFailed, Method: call.Method, Err: err})
		return ledger.Receipt{}, err
	}

	delay := d.config.InitialRetryDelay
	var lastErr error
	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if attempt > 0 {
			d.logger.WithFields(logrus.Fields{
				"method":  call.Method,
				"attempt": attempt,
				"delay":   delay,
			}).Info("Retrying transaction")

			if err := d.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
			delay *= 2
			if delay > d.config.MaxRetryDelay {
				delay = d.config.MaxRetryDelay
			}
		}

		receipt, err := d.attempt(ctx, signed, attempt)
		if err == nil {
			d.emit(Update{Phase: PhaseConfirmed, Method: call.Method, TxID: receipt.TxID, Attempt: attempt})
			if err := d.sleep(ctx, d.config.SettleDelay); err != nil {
				return receipt, err
			}
			return receipt, nil
		}

		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			d.emit(Update{Phase: PhaseFailed, Method: call.Method, TxID: receipt.TxID, Attempt: attempt, Err: err})
			return receipt, err
		}
		d.logger.WithError(err).WithFields(logrus.Fields{
			"method":  call.Method,
			"attempt": attempt + 1,
		}).Warn("Transient ledger error")
	}

	err = fmt.Errorf("exhausted retries for %s: %w", call.Method, lastErr)
	d.emit(Update{Phase: PhaseFailed, Method: call.Method, Err: err})
	return ledger.Receipt{}, err
}

// attempt submits once and awaits the receipt. Once a tx id exists, awaiting
// is retried on that id instead of resubmitting.
func (d *Driver) attempt(ctx context.Context, call ledger.Call, attempt int) (ledger.Receipt, error) {
	txID, err := d.client.Submit(ctx, call)
	if err != nil {
		return ledger.Receipt{}, err
	}
	d.emit(Update{Phase: PhasePending, Method: call.Method, TxID: txID, Attempt: attempt})

	var receipt ledger.Receipt
	delay := d.config.InitialRetryDelay
	for i := 0; ; i++ {
		receipt, err = d.client.Await(ctx, txID)
		if err == nil || !errors.Is(err, ledger.ErrUnavailable) || i >= d.config.MaxRetries {
			break
		}
		if err := d.sleep(ctx, delay); err != nil {
			return ledger.Receipt{TxID: txID}, err
		}
		delay *= 2
		if delay > d.config.MaxRetryDelay {
			delay = d.config.MaxRetryDelay
		}
	}
	if errors.Is(err, ledger.ErrUnavailable) {
		return ledger.Receipt{TxID: txID}, fmt.Errorf("%w: %s: %v", ErrOutcomeUnknown, txID, err)
	}
	if err != nil {
		return ledger.Receipt{TxID: txID}, err
	}
	return receipt, receipt.Err()
}

// Transition runs one order transition and re-reads the order once it is
// confirmed and settled.
func (d *Driver) Transition(ctx context.Context, from models.Address, method string, args interface{}, orderID uint64) (models.Order, error) {
	call, err := ledger.NewCall(method, from, args)
	if err != nil {
		return models.Order{}, err
	}
	if _, err := d.Execute(ctx, call); err != nil {
		return models.Order{}, err
	}
	return d.Order(ctx, orderID)
}

// CreateOrder deposits amount+tip and returns the new order.
func (d *Driver) CreateOrder(ctx context.Context, from models.Address, restaurantID uint64, contentHash string, amount, tip uint64) (models.Order, error) {
	call, err := ledger.NewCall(ledger.MethodCreateOrder, from, orders.CreateOrderRequest{
		RestaurantID: restaurantID,
		ContentHash:  contentHash,
		Amount:       amount,
		Tip:          tip,
	})
	if err != nil {
		return models.Order{}, err
	}
	call.Value = amount + tip

	receipt, err := d.Execute(ctx, call)
	if err != nil {
		return models.Order{}, err
	}
	var ref ledger.OrderArgs
	if err := receipt.Decode(&ref); err != nil {
		return models.Order{}, fmt.Errorf("failed to decode createOrder result: %w", err)
	}
	return d.Order(ctx, ref.OrderID)
}

func (d *Driver) Order(ctx context.Context, orderID uint64) (models.Order, error) {
	var order models.Order
	err := d.client.Read(ctx, ledger.Query{Entity: ledger.EntityOrder, Key: strconv.FormatUint(orderID, 10)}, &order)
	return order, err
}

func (d *Driver) emit(u Update) {
	d.observer(u)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

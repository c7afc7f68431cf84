package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jogardn/chainfood/pkg/models"
)

// ErrUnavailable means the ledger could not be reached or could not record
// the call. The call may be retried.
var ErrUnavailable = errors.New("ledger unavailable")

// Call is a signed request to run one contract method. A non-empty Nonce
// makes the submit idempotent per sender: resubmitting the same call returns
// the tx id of the first submission.
type Call struct {
	Method string          `json:"method"`
	From   models.Address  `json:"from"`
	Value  uint64          `json:"value,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Nonce  string          `json:"nonce,omitempty"`
}

// MaxNonceLength bounds Call.Nonce.
const MaxNonceLength = 64

func NewCall(method string, from models.Address, args interface{}) (Call, error) {
	call := Call{Method: method, From: from}
	if args == nil {
		return call, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return Call{}, fmt.Errorf("failed to encode %s args: %w", method, err)
	}
	call.Args = raw
	return call, nil
}

// Tx is a call as recorded in the journal.
type Tx struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Call      Call      `json:"call"`
	Timestamp time.Time `json:"timestamp"`
}

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxReverted  TxStatus = "reverted"
	TxFailed    TxStatus = "failed"
)

type Receipt struct {
	TxID      string          `json:"tx_id"`
	Seq       uint64          `json:"seq,omitempty"`
	Status    TxStatus        `json:"status"`
	Code      string          `json:"code,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Events    []models.Event  `json:"events,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (r Receipt) Final() bool {
	return r.Status != TxPending && r.Status != ""
}

// Err maps a reverted receipt back to its protocol error.
func (r Receipt) Err() error {
	switch r.Status {
	case TxConfirmed:
		return nil
	case TxReverted:
		return models.ErrorFromCode(r.Code, r.Reason)
	case TxFailed:
		return fmt.Errorf("%w: %s", ErrUnavailable, r.Reason)
	default:
		return fmt.Errorf("%w: transaction %s is %s", ErrUnavailable, r.TxID, r.Status)
	}
}

// Decode unmarshals the call result into out.
func (r Receipt) Decode(out interface{}) error {
	if len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, out)
}

// Query names one readable piece of ledger state. Key is an order or
// restaurant id, an address, or empty for global values.
type Query struct {
	Entity string `json:"entity"`
	Key    string `json:"key,omitempty"`
}

// Client is everything the orchestration layer needs from the ledger.
type Client interface {
	Submit(ctx context.Context, call Call) (string, error)
	Await(ctx context.Context, txID string) (Receipt, error)
	Read(ctx context.Context, query Query, out interface{}) error
}

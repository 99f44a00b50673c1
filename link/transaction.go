package link

import (
	"fmt"
	"time"
)

// TxnState is the lifecycle state of a Transaction.
type TxnState uint8

const (
	Queued TxnState = iota
	InFlight
	Complete
	Failed
)

func (s TxnState) String() string {
	switch s {
	case Queued:
		return "Queued"
	case InFlight:
		return "InFlight"
	case Complete:
		return "Complete"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("TxnState(%d)", uint8(s))
	}
}

// Transaction is one debug command tracked from queueing to delivery.
type Transaction struct {
	// ID tags the command and its reply on the link.
	ID uint32
	// SessionID identifies the originating client session.
	SessionID uint64
	// Payload is the opaque command bytes.
	Payload []byte

	State    TxnState
	Response []byte
	Err      error

	CreatedAt   time.Time
	SubmittedAt time.Time
	FinishedAt  time.Time
}

// NewTransaction creates a Queued transaction.
func NewTransaction(id uint32, sessionID uint64, payload []byte) *Transaction {
	return &Transaction{
		ID:        id,
		SessionID: sessionID,
		Payload:   payload,
		State:     Queued,
		CreatedAt: time.Now(),
	}
}

// NewFailedTransaction creates a transaction that never reaches the link,
// used to answer a rejected command in order with the session's other replies.
func NewFailedTransaction(sessionID uint64, err error) *Transaction {
	now := time.Now()

	return &Transaction{
		SessionID:  sessionID,
		State:      Failed,
		Err:        err,
		CreatedAt:  now,
		FinishedAt: now,
	}
}

// Done reports whether the transaction reached Complete or Failed.
func (t *Transaction) Done() bool {
	return t.State == Complete || t.State == Failed
}

// Latency returns the time from submission to completion.
func (t *Transaction) Latency() time.Duration {
	if t.SubmittedAt.IsZero() || t.FinishedAt.IsZero() {
		return 0
	}

	return t.FinishedAt.Sub(t.SubmittedAt)
}

// Cancel fails a transaction that will never reach the link.
// It has no effect once the transaction is InFlight or finished.
func (t *Transaction) Cancel(err error) bool {
	if t.State != Queued {
		return false
	}
	t.fail(err)

	return true
}

func (t *Transaction) complete(resp []byte) {
	t.State = Complete
	t.Response = resp
	t.FinishedAt = time.Now()
}

func (t *Transaction) fail(err error) {
	t.State = Failed
	t.Err = err
	t.FinishedAt = time.Now()
}

package tcc

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"
)

// Transaction is the persisted record of a root or branch transaction.
//
// The Xid never changes. Status only moves from StatusTrying to StatusConfirming or StatusCancelling.
// Participants may only be enlisted while trying. Version is the optimistic concurrency token a
// Repository compares on every update.
type Transaction struct {
	mu             sync.Mutex
	xid            Xid
	status         Status
	typ            Type
	participants   []*Participant
	retriedCount   int
	createTime     time.Time
	lastUpdateTime time.Time
	version        int64
	attachments    map[string]any
}

// NewTransaction returns a trying transaction record of the given type.
func NewTransaction(xid Xid, typ Type) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		xid:            xid,
		status:         StatusTrying,
		typ:            typ,
		createTime:     now,
		lastUpdateTime: now,
		version:        1,
		attachments:    map[string]any{},
	}
}

// Xid returns a copy of the transaction id.
func (tx *Transaction) Xid() Xid {
	return tx.xid.Clone()
}

func (tx *Transaction) Type() Type {
	return tx.typ
}

func (tx *Transaction) Status() Status {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

// ChangeStatus moves the transaction to status. Re-applying the current status is allowed, since confirm
// and cancel may be delivered more than once; switching between confirming and cancelling is not.
func (tx *Transaction) ChangeStatus(status Status) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if !status.valid() {
		return fmt.Errorf("%w: unknown status %v", ErrIllegalState, status)
	}
	if tx.status == status {
		return nil
	}
	if tx.status != StatusTrying {
		return fmt.Errorf("%w: %v -> %v for %v", ErrIllegalState, tx.status, status, tx.xid)
	}
	tx.status = status
	return nil
}

// EnlistParticipant appends p. Only a trying transaction accepts participants.
func (tx *Transaction) EnlistParticipant(p *Participant) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != StatusTrying {
		return fmt.Errorf("%w: enlist while %v", ErrIllegalState, tx.status)
	}
	tx.participants = append(tx.participants, p)
	return nil
}

// Participants returns the participants in enlistment order.
func (tx *Transaction) Participants() []*Participant {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]*Participant(nil), tx.participants...)
}

// Commit confirms every participant in enlistment order.
func (tx *Transaction) Commit(ctx context.Context, t *Terminator) error {
	return tx.fanOut(StatusConfirming, func(p *Participant) (Invocation, error) {
		return p.Confirm, p.Commit(ctx, t)
	})
}

// Rollback cancels every participant in enlistment order.
func (tx *Transaction) Rollback(ctx context.Context, t *Terminator) error {
	return tx.fanOut(StatusCancelling, func(p *Participant) (Invocation, error) {
		return p.Cancel, p.Rollback(ctx, t)
	})
}

// fanOut attempts every participant even after a failure and reports all failures at the end.
func (tx *Transaction) fanOut(status Status, call func(*Participant) (Invocation, error)) error {
	var failures []ParticipantFailure
	for _, p := range tx.Participants() {
		if inv, err := call(p); err != nil {
			failures = append(failures, ParticipantFailure{Xid: p.Xid, Invocation: inv, Err: err})
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &FanoutError{Xid: tx.xid, Status: status, Failures: failures}
}

func (tx *Transaction) RetriedCount() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.retriedCount
}

func (tx *Transaction) AddRetriedCount() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.retriedCount++
}

func (tx *Transaction) ResetRetriedCount(n int) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.retriedCount = n
}

func (tx *Transaction) CreateTime() time.Time {
	return tx.createTime
}

func (tx *Transaction) LastUpdateTime() time.Time {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.lastUpdateTime
}

func (tx *Transaction) Version() int64 {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.version
}

// UpdateVersion advances the version and the last update time. Repository implementations call it
// right before writing a record whose stored version matched.
func (tx *Transaction) UpdateVersion(now time.Time) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.version++
	tx.lastUpdateTime = now.UTC()
}

// ResetVersion restores the version and last update time after a failed write.
func (tx *Transaction) ResetVersion(version int64, lastUpdate time.Time) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.version = version
	tx.lastUpdateTime = lastUpdate
}

// Attachment returns the attachment stored under key.
func (tx *Transaction) Attachment(key string) (any, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	v, ok := tx.attachments[key]
	return v, ok
}

// SetAttachment stores metadata propagated with the transaction. Values must be JSON encodable to
// survive a round trip through a repository.
func (tx *Transaction) SetAttachment(key string, value any) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.attachments == nil {
		tx.attachments = map[string]any{}
	}
	tx.attachments[key] = value
}

// Attachments returns a copy of all attachments.
func (tx *Transaction) Attachments() map[string]any {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return maps.Clone(tx.attachments)
}

type transactionRecord struct {
	Xid            Xid            `json:"xid"`
	Status         Status         `json:"status"`
	Type           Type           `json:"type"`
	Participants   []*Participant `json:"participants,omitempty"`
	RetriedCount   int            `json:"retried_count"`
	CreateTime     time.Time      `json:"create_time"`
	LastUpdateTime time.Time      `json:"last_update_time"`
	Version        int64          `json:"version"`
	Attachments    map[string]any `json:"attachments,omitempty"`
}

func (tx *Transaction) MarshalJSON() ([]byte, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	rec := transactionRecord{
		Xid:            tx.xid,
		Status:         tx.status,
		Type:           tx.typ,
		Participants:   tx.participants,
		RetriedCount:   tx.retriedCount,
		CreateTime:     tx.createTime,
		LastUpdateTime: tx.lastUpdateTime,
		Version:        tx.version,
		Attachments:    tx.attachments,
	}
	return json.Marshal(rec)
}

func (tx *Transaction) UnmarshalJSON(data []byte) error {
	var rec transactionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	if !rec.Status.valid() {
		return fmt.Errorf("%w: stored status %d", ErrIllegalState, int(rec.Status))
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.xid = rec.Xid
	tx.status = rec.Status
	tx.typ = rec.Type
	tx.participants = rec.Participants
	tx.retriedCount = rec.RetriedCount
	tx.createTime = rec.CreateTime
	tx.lastUpdateTime = rec.LastUpdateTime
	tx.version = rec.Version
	tx.attachments = rec.Attachments
	if tx.attachments == nil {
		tx.attachments = map[string]any{}
	}
	return nil
}

// Clone returns a deep copy of tx sharing no state with it.
func (tx *Transaction) Clone() *Transaction {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	c := &Transaction{
		xid:            tx.xid,
		status:         tx.status,
		typ:            tx.typ,
		retriedCount:   tx.retriedCount,
		createTime:     tx.createTime,
		lastUpdateTime: tx.lastUpdateTime,
		version:        tx.version,
		attachments:    maps.Clone(tx.attachments),
	}
	for _, p := range tx.participants {
		c.participants = append(c.participants, p.clone())
	}
	return c
}

// ParticipantFailure records one participant whose confirm or cancel failed.
type ParticipantFailure struct {
	Xid        Xid
	Invocation Invocation
	Err        error
}

// FanoutError reports the participants that failed during one confirm or cancel pass. It unwraps to the
// first failure encountered.
type FanoutError struct {
	Xid      Xid
	Status   Status
	Failures []ParticipantFailure
}

func (e *FanoutError) Error() string {
	if e == nil || len(e.Failures) == 0 {
		return "tcc fanout failed"
	}
	var b strings.Builder
	b.WriteString("tcc fanout failed (")
	b.WriteString(e.Status.String())
	b.WriteString(" ")
	b.WriteString(e.Xid.String())
	b.WriteString("): ")
	for i, f := range e.Failures {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(f.Invocation.String())
		if f.Err != nil {
			b.WriteString(": ")
			b.WriteString(f.Err.Error())
		}
	}
	return b.String()
}

func (e *FanoutError) Unwrap() error {
	if e == nil || len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[0].Err
}

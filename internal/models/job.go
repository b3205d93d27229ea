package models

import (
	"time"
)

// JobKind is the direction of a transfer. It selects both the source event
// and the destination contract call.
type JobKind string

const (
	// JobKindDeposit is an l2 -> l1 transfer finalized by the l1 executor
	JobKindDeposit JobKind = "deposit"
	// JobKindWithdraw is an l1 -> l2 transfer delivered by the l2 message transmitter
	JobKindWithdraw JobKind = "withdraw"
)

// ChainRole identifies one side of the bridge
type ChainRole string

const (
	ChainL1 ChainRole = "l1"
	ChainL2 ChainRole = "l2"
)

// SourceChain returns the chain whose events create jobs of this kind
func (k JobKind) SourceChain() ChainRole {
	if k == JobKindDeposit {
		return ChainL2
	}
	return ChainL1
}

// DestinationChain returns the chain a job of this kind is relayed to
func (k JobKind) DestinationChain() ChainRole {
	if k == JobKindDeposit {
		return ChainL1
	}
	return ChainL2
}

// Valid reports whether k is a known kind
func (k JobKind) Valid() bool {
	return k == JobKindDeposit || k == JobKindWithdraw
}

// JobStatus is the lifecycle state of a relay job
type JobStatus string

const (
	StatusSeen             JobStatus = "seen"
	StatusIrisPending      JobStatus = "iris_pending"
	StatusIrisComplete     JobStatus = "iris_complete"
	StatusRelaying         JobStatus = "relaying"
	StatusRelayed          JobStatus = "relayed"
	StatusAlreadyProcessed JobStatus = "already_processed"
	StatusFailedRetry      JobStatus = "failed_retry"
	StatusFailedTerminal   JobStatus = "failed_terminal"
)

// DueStatuses are the statuses eligible for scheduling
var DueStatuses = []JobStatus{
	StatusSeen,
	StatusIrisPending,
	StatusIrisComplete,
	StatusRelaying,
	StatusFailedRetry,
}

// AllStatuses lists every status in lifecycle order
var AllStatuses = []JobStatus{
	StatusSeen,
	StatusIrisPending,
	StatusIrisComplete,
	StatusRelaying,
	StatusRelayed,
	StatusAlreadyProcessed,
	StatusFailedRetry,
	StatusFailedTerminal,
}

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusRelayed, StatusAlreadyProcessed, StatusFailedTerminal:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Job is one relay job, keyed by (Kind, SourceTxHash, SourceLogIndex).
// Nullable columns are pointers or nil slices.
type Job struct {
	ID             int64     `json:"id" db:"id"`
	Kind           JobKind   `json:"kind" db:"kind"`
	SourceChain    ChainRole `json:"sourceChain" db:"source_chain"`
	SourceDomain   uint32    `json:"sourceDomain" db:"source_domain"`
	SourceTxHash   string    `json:"sourceTxHash" db:"source_tx_hash"`
	SourceBlock    uint64    `json:"sourceBlock" db:"source_block"`
	SourceLogIndex uint      `json:"sourceLogIndex" db:"source_log_index"`

	Status      JobStatus `json:"status" db:"status"`
	Attempts    int       `json:"attempts" db:"attempts"`
	NextRunAt   time.Time `json:"nextRunAt" db:"next_run_at"`
	FirstSeenAt time.Time `json:"firstSeenAt" db:"first_seen_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`

	IrisEventNonce  *string `json:"irisEventNonce,omitempty" db:"iris_event_nonce"`
	IrisMessage     []byte  `json:"irisMessage,omitempty" db:"iris_message"`
	IrisAttestation []byte  `json:"irisAttestation,omitempty" db:"iris_attestation"`

	DestChain  *ChainRole `json:"destChain,omitempty" db:"dest_chain"`
	DestTxHash *string    `json:"destTxHash,omitempty" db:"dest_tx_hash"`

	AlertedAttestation bool `json:"alertedAttestation" db:"alerted_attestation"`
	AlertedRelay       bool `json:"alertedRelay" db:"alerted_relay"`
	AlertedError       bool `json:"alertedError" db:"alerted_error"`

	LastError *string `json:"lastError,omitempty" db:"last_error"`
}

// HasCertification reports whether both the message and its attestation are stored
func (j *Job) HasCertification() bool {
	return len(j.IrisMessage) > 0 && len(j.IrisAttestation) > 0
}

// HasDestTx reports whether a destination transaction was submitted
func (j *Job) HasDestTx() bool {
	return j.DestTxHash != nil && *j.DestTxHash != ""
}

// Age is the time since the job was first discovered
func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.FirstSeenAt)
}

// NewJob carries the natural key and source coordinates of a discovered event
type NewJob struct {
	Kind           JobKind
	SourceChain    ChainRole
	SourceDomain   uint32
	SourceTxHash   string
	SourceBlock    uint64
	SourceLogIndex uint
}

// JobPatch is a partial update applied by the job store. Nil fields are left
// untouched. UpdatedAt is always written.
type JobPatch struct {
	Status    *JobStatus
	Attempts  *int
	NextRunAt *time.Time
	UpdatedAt time.Time

	IrisEventNonce  *string
	IrisMessage     []byte
	IrisAttestation []byte

	DestChain  *ChainRole
	DestTxHash *string

	AlertedAttestation *bool
	AlertedRelay       *bool
	AlertedError       *bool

	LastError *string
}

// Ptr returns a pointer to v, for building patches
func Ptr[T any](v T) *T {
	return &v
}

// CheckpointKey is the meta key holding the last scanned block for a chain role
func CheckpointKey(role ChainRole) string {
	return string(role) + "_last_block"
}

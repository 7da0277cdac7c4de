package common

import "fmt"

// ErrCode identifies a class of failure that callers are expected to switch
// on. Everything the engine can reject is represented by one of these codes
// wrapped in an Err; nothing is reported by panicking.
type ErrCode uint32

const (
	// KeyNotFound signals that a record is absent from a store.
	KeyNotFound ErrCode = iota
	// KeyAlreadyExists signals an attempt to insert a duplicate record.
	KeyAlreadyExists
	// TooLate signals that a record has been evicted from a bounded window.
	TooLate
	// SkippedIndex signals an insertion that would leave a gap in an index.
	SkippedIndex
	// NotInTransaction signals a store mutation attempted outside the
	// currently open storage transaction. This is a programming error in the
	// caller, but it is still surfaced as an error value.
	NotInTransaction
	// MalformedGraph signals structurally invalid input: a cycle, a
	// self-referencing parent, duplicate or unsorted parents.
	MalformedGraph
	// MissingReference signals that a referenced unit or ball is not present
	// in local storage. Depending on context this is either a permanent
	// rejection or a signal that more data needs to be synced.
	MissingReference
	// ConsistencyError signals an attempt to record an already-finalized
	// fact differently than it was first recorded, or a divergence between
	// an in-memory cache and the durable store. It is never auto-resolved.
	ConsistencyError
	// Timeout signals that a bounded wait for the write lock or a storage
	// connection expired. Retryable.
	Timeout
	// Deadlock signals that the deadlock detector found the caller trapped
	// in a lock-wait cycle. Retryable after releasing resources.
	Deadlock
	// AlreadyCounted signals that a vote tally was re-run for an MCI that
	// was already fully counted and committed. Callers that re-trigger
	// tallying defensively treat it as a successful no-op.
	AlreadyCounted
	// UnknownWitness signals a reference to an address outside the witness
	// repertoire.
	UnknownWitness
)

var errCodeStrings = map[ErrCode]string{
	KeyNotFound:      "not found",
	KeyAlreadyExists: "already exists",
	TooLate:          "too late",
	SkippedIndex:     "skipped index",
	NotInTransaction: "not in transaction",
	MalformedGraph:   "malformed graph",
	MissingReference: "missing reference",
	ConsistencyError: "consistency error",
	Timeout:          "timeout",
	Deadlock:         "deadlock",
	AlreadyCounted:   "already counted",
	UnknownWitness:   "unknown witness",
}

// Err is the typed error used across the engine. dataType names the record
// class or resource involved, key identifies the particular item.
type Err struct {
	dataType string
	code     ErrCode
	key      string
}

// NewErr creates an Err.
func NewErr(dataType string, code ErrCode, key string) Err {
	return Err{
		dataType: dataType,
		code:     code,
		key:      key,
	}
}

// Error implements the error interface.
func (e Err) Error() string {
	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, errCodeStrings[e.code])
}

// Code returns the error's code.
func (e Err) Code() ErrCode {
	return e.code
}

// Is checks that an error is an Err carrying the provided code.
func Is(err error, code ErrCode) bool {
	e, ok := err.(Err)
	return ok && e.code == code
}

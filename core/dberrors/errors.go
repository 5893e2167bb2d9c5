// Package dberrors defines the stable error taxonomy of the storage engine.
// Every error surfaced by the engine carries a numeric Code that callers can
// match with errors.Is regardless of how many times it has been wrapped.
package dberrors

import (
	"errors"
	"fmt"
)

// Code is a stable numeric error identifier.
type Code uint16

// Category groups codes by how a caller is expected to react.
type Category int

const (
	CategoryInternal Category = iota
	CategoryConfiguration
	CategoryCapacity
	CategoryLogical
	CategoryConcurrency
)

const (
	InternalError Code = 1

	// Configuration / state errors. Fatal at open time.
	DatabaseDoesNotExist       Code = 100
	InvalidDatabaseState       Code = 101
	UnsupportedDatabaseVersion Code = 102
	InvalidFileMagic           Code = 103
	UnexpectedEndOfFile        Code = 104
	ChecksumVerificationFailed Code = 105
	InvalidConfiguration       Code = 106

	// Capacity errors.
	MaxPageCountReached          Code = 200
	MaxTransactionCountReached   Code = 201
	MaxWalCommitNumberReached    Code = 202
	MaxAutomaticIdCountReached   Code = 203
	MaxSamePrefixKeyCountReached Code = 204
	IndexKeyTooLong              Code = 205

	// Logical errors.
	DocumentNotFound        Code = 300
	DocumentAlreadyExists   Code = 301
	CollectionDoesNotExist  Code = 302
	CollectionAlreadyExists Code = 303
	IndexDoesNotExist       Code = 304
	IndexAlreadyExists      Code = 305
	UnsupportedValueType    Code = 306

	// Concurrency / usage contract errors.
	LockDoesNotExist              Code = 400
	LockAlreadyExists             Code = 401
	TransactionAcquireLockTimeout Code = 402
	TransactionTargetMismatch     Code = 403
	NestedTransaction             Code = 404
	LockUpgradeNotSupported       Code = 405
	TransactionAlreadyCompleted   Code = 406
	TransactionReadOnly           Code = 407
)

var codeNames = map[Code]string{
	InternalError:                 "InternalError",
	DatabaseDoesNotExist:          "DatabaseDoesNotExist",
	InvalidDatabaseState:          "InvalidDatabaseState",
	UnsupportedDatabaseVersion:    "UnsupportedDatabaseVersion",
	InvalidFileMagic:              "InvalidFileMagic",
	UnexpectedEndOfFile:           "UnexpectedEndOfFile",
	ChecksumVerificationFailed:    "ChecksumVerificationFailed",
	InvalidConfiguration:          "InvalidConfiguration",
	MaxPageCountReached:           "MaxPageCountReached",
	MaxTransactionCountReached:    "MaxTransactionCountReached",
	MaxWalCommitNumberReached:     "MaxWalCommitNumberReached",
	MaxAutomaticIdCountReached:    "MaxAutomaticIdCountReached",
	MaxSamePrefixKeyCountReached:  "MaxSamePrefixKeyCountReached",
	IndexKeyTooLong:               "IndexKeyTooLong",
	DocumentNotFound:              "DocumentNotFound",
	DocumentAlreadyExists:         "DocumentAlreadyExists",
	CollectionDoesNotExist:        "CollectionDoesNotExist",
	CollectionAlreadyExists:       "CollectionAlreadyExists",
	IndexDoesNotExist:             "IndexDoesNotExist",
	IndexAlreadyExists:            "IndexAlreadyExists",
	UnsupportedValueType:          "UnsupportedValueType",
	LockDoesNotExist:              "LockDoesNotExist",
	LockAlreadyExists:             "LockAlreadyExists",
	TransactionAcquireLockTimeout: "TransactionAcquireLockTimeout",
	TransactionTargetMismatch:     "TransactionTargetMismatch",
	NestedTransaction:             "NestedTransaction",
	LockUpgradeNotSupported:       "LockUpgradeNotSupported",
	TransactionAlreadyCompleted:   "TransactionAlreadyCompleted",
	TransactionReadOnly:           "TransactionReadOnly",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", uint16(c))
}

// Category reports the group a code belongs to.
func (c Code) Category() Category {
	switch {
	case c >= 100 && c < 200:
		return CategoryConfiguration
	case c >= 200 && c < 300:
		return CategoryCapacity
	case c >= 300 && c < 400:
		return CategoryLogical
	case c >= 400 && c < 500:
		return CategoryConcurrency
	default:
		return CategoryInternal
	}
}

// Error is the concrete error type returned by the engine.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Code, uint16(e.Code), e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, uint16(e.Code), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New returns an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying cause.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code of the first *Error in err's chain.
// Errors that carry no code are reported as InternalError.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}

// CategoryOf is CodeOf(err).Category().
func CategoryOf(err error) Category {
	return CodeOf(err).Category()
}

// IsFatal reports errors that must abort the enclosing operation without retry.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch CategoryOf(err) {
	case CategoryInternal, CategoryConfiguration:
		return true
	}
	return false
}

// Sentinels for errors.Is matching.
var (
	ErrInternal                   = New(InternalError, "internal error")
	ErrDatabaseDoesNotExist       = New(DatabaseDoesNotExist, "database does not exist")
	ErrInvalidDatabaseState       = New(InvalidDatabaseState, "invalid database state")
	ErrUnsupportedDatabaseVersion = New(UnsupportedDatabaseVersion, "unsupported database version")
	ErrInvalidFileMagic           = New(InvalidFileMagic, "invalid file magic")
	ErrUnexpectedEndOfFile        = New(UnexpectedEndOfFile, "unexpected end of file")
	ErrChecksumVerificationFailed = New(ChecksumVerificationFailed, "checksum verification failed")
	ErrInvalidConfiguration       = New(InvalidConfiguration, "invalid configuration")
	ErrMaxPageCountReached        = New(MaxPageCountReached, "maximum page count reached")
	ErrMaxTransactionCount        = New(MaxTransactionCountReached, "maximum transaction count reached")
	ErrMaxWalCommitNumber         = New(MaxWalCommitNumberReached, "maximum WAL page count reached")
	ErrMaxAutomaticIdCount        = New(MaxAutomaticIdCountReached, "automatic id space exhausted")
	ErrMaxSamePrefixKeyCount      = New(MaxSamePrefixKeyCountReached, "too many entries share the same index key")
	ErrIndexKeyTooLong            = New(IndexKeyTooLong, "index key too long")
	ErrDocumentNotFound           = New(DocumentNotFound, "document not found")
	ErrDocumentAlreadyExists      = New(DocumentAlreadyExists, "document already exists")
	ErrCollectionDoesNotExist     = New(CollectionDoesNotExist, "collection does not exist")
	ErrCollectionAlreadyExists    = New(CollectionAlreadyExists, "collection already exists")
	ErrIndexDoesNotExist          = New(IndexDoesNotExist, "index does not exist")
	ErrIndexAlreadyExists         = New(IndexAlreadyExists, "index already exists")
	ErrUnsupportedValueType       = New(UnsupportedValueType, "unsupported value type")
	ErrLockDoesNotExist           = New(LockDoesNotExist, "lock does not exist")
	ErrLockAlreadyExists          = New(LockAlreadyExists, "lock already exists")
	ErrLockTimeout                = New(TransactionAcquireLockTimeout, "timed out acquiring lock")
	ErrTargetMismatch             = New(TransactionTargetMismatch, "transaction does not hold the required lock")
	ErrNestedTransaction          = New(NestedTransaction, "nested transactions are not supported")
	ErrLockUpgrade                = New(LockUpgradeNotSupported, "lock upgrade not supported")
	ErrTransactionCompleted       = New(TransactionAlreadyCompleted, "transaction already completed")
	ErrTransactionReadOnly        = New(TransactionReadOnly, "transaction is read-only")
)

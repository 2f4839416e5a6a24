package main

import "fmt"

// FetchError is a failed network request against one of the upstream APIs.
// Retry policy belongs to the caller; the error only carries what happened.
type FetchError struct {
	URL    string
	Status int // 0 when the request never got a response
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ValidationError means staged data failed an integrity gate and must not be
// promoted.
type ValidationError struct {
	OrphanSections int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %d sections missing parent course", e.OrphanSections)
}

// PersistenceError is a SQL failure during load or promote. The surrounding
// transaction has been rolled back by the time the caller sees it.
type PersistenceError struct {
	Op  string // "load", "promote", "professors", "cleanup"
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *PersistenceError) Unwrap() error { return e.Err }

// AuditError is a failure to write run metadata. Never fatal: callers log it
// and keep going.
type AuditError struct {
	Err error
}

func (e *AuditError) Error() string { return fmt.Sprintf("audit: %v", e.Err) }

func (e *AuditError) Unwrap() error { return e.Err }

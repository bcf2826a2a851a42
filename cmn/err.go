// Package cmn provides common constants, types, and utilities shared by the
// cloud-sync daemon's components.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

type (
	// ValidationError is permanent: the offending row is logged and skipped,
	// and the checkpoint advances past it.
	ValidationError struct {
		msg string
	}

	// ConsistencyError indicates matching last-modified with mismatching
	// content hash between the two sides - clock skew or corruption.
	// It fails the whole pass; operator intervention is required.
	ConsistencyError struct {
		Object     string
		LocalHash  string
		RemoteHash string
	}

	// StatusError carries an HTTP status from either store.
	StatusError struct {
		Status int
		Op     string
		Name   string
	}
)

var ErrNotFound = errors.New("not found")

func NewValidationError(format string, a ...interface{}) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, a...)}
}

func (e *ValidationError) Error() string { return e.msg }

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s: last-modified matches but hashes differ (%s != %s)",
		e.Object, e.LocalHash, e.RemoteHash)
}

func IsConsistencyError(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}

func NewStatusError(status int, op, name string) *StatusError {
	return &StatusError{Status: status, Op: op, Name: name}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Op, e.Name, e.Status)
}

// IsNotFound unwraps both the sentinel and a 404 status.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}

// IsTransient classifies connection failures, throttling, and server-side
// errors: the checkpoint does not advance and the next pass retries.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return IsTransientStatus(se.Status)
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func IsTransientStatus(status int) bool {
	return status >= http.StatusInternalServerError ||
		status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout
}

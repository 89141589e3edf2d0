/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors carries a kind tag on every error that crosses a component
// boundary. The HTTP adapter is the only place that translates kinds into wire
// codes; everything below it matches on the predicates.
package errors

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindValidation is bad input shape or constraints. Never retried.
	KindValidation Kind = iota
	// KindConflict is a duplicate device/URL or a concurrent state transition.
	KindConflict
	// KindNotFound is a missing entity on read, update or delete.
	KindNotFound
	// KindCluster is a scheduler API failure. Captured on the entity, not retried
	// automatically; the next explicit action or sweeper cycle is the retry.
	KindCluster
	// KindTransient is a timeout, connection refusal or stuck deployment.
	KindTransient
	// KindFatal means the process cannot serve at all (persistence unreachable,
	// cluster client misconfigured at boot).
	KindFatal
)

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

func newKind(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

func Validation(format string, args ...interface{}) error {
	return newKind(KindValidation, format, args...)
}

func Conflict(format string, args ...interface{}) error {
	return newKind(KindConflict, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return newKind(KindNotFound, format, args...)
}

func Cluster(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: KindCluster, err: err}
}

func Transient(format string, args ...interface{}) error {
	return newKind(KindTransient, format, args...)
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: KindFatal, err: err}
}

// KindOf returns the kind of err and whether err carries one at all.
func KindOf(err error) (Kind, bool) {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind, true
	}
	return 0, false
}

func is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

func IsValidation(err error) bool { return is(err, KindValidation) }
func IsConflict(err error) bool   { return is(err, KindConflict) }
func IsNotFound(err error) bool   { return is(err, KindNotFound) }
func IsCluster(err error) bool    { return is(err, KindCluster) }
func IsTransient(err error) bool  { return is(err, KindTransient) }
func IsFatal(err error) bool      { return is(err, KindFatal) }

// IgnoreNotFound is used on delete paths where a missing target is success.
func IgnoreNotFound(err error) error {
	if IsNotFound(err) {
		return nil
	}
	return err
}

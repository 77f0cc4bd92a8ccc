// Copyright 2026 WikiImport Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrExists         = errors.New("already exists")
	ErrInvalidLayout  = errors.New("invalid archive layout")
	ErrInvalidPath    = errors.New("invalid path")
	ErrMalformed      = errors.New("malformed metadata")
	ErrEncoding       = errors.New("unexpected encoding")
	ErrTruncated      = errors.New("truncated content")
	ErrNoRevisions    = errors.New("no importable revisions")
	ErrCancelled      = errors.New("import cancelled")
	ErrBadTransition  = errors.New("invalid state transition")
	ErrAlreadyRunning = errors.New("another import is already running")
	ErrIO             = errors.New("I/O error")
	ErrChanged        = errors.New("content changed after hashing")
)

// ScanError reports that the archive root cannot be traversed. Always fatal.
type ScanError struct {
	Root string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Root, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// ScanWarning reports an unreadable subtree. The scan continues past it.
type ScanWarning struct {
	Path string
	Err  error
}

func (w *ScanWarning) Error() string {
	return fmt.Sprintf("scan warning %s: %v", w.Path, w.Err)
}

func (w *ScanWarning) Unwrap() error { return w.Err }

// ParseError reports a single archive record that could not be parsed.
type ParseError struct {
	Path  string
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// IOError reports an unreadable payload stream.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%v: %v", ErrIO, e.Err)
	}
	return fmt.Sprintf("%v reading %s: %v", ErrIO, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrIO) hold for every IOError.
func (e *IOError) Is(target error) bool { return target == ErrIO }

// UploadError reports a blob that could not be stored after all retries.
type UploadError struct {
	Hash string
	Path string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s (%s): %v", e.Hash, e.Path, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// WriteError reports a page transaction that was rolled back.
type WriteError struct {
	Site string
	Page string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write page %s/%s: %v", e.Site, e.Page, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// StoreError reports that the relational store itself is unusable. Always fatal.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store unusable during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var scanErr *ScanError
	var storeErr *StoreError
	return errors.As(err, &scanErr) || errors.As(err, &storeErr)
}

/*
 *
 * Copyright 2022 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package xdsresource

import "fmt"

// ErrorType classifies the errors the ADS stream and the channel surface to
// the client, so that "never got a response" can be told apart from "got at
// least one response, then the stream broke": clientimpl.go records the
// server-failure metric for every failure except the latter.
type ErrorType int

const (
	// ErrTypeUnknown is the zero value, used for plain errors that carry no
	// special classification.
	ErrTypeUnknown ErrorType = iota
	// ErrTypeStreamFailedAfterRecv means the ADS/LRS stream failed after at
	// least one DiscoveryResponse had been received on it.
	ErrTypeStreamFailedAfterRecv
	// ErrTypeConnectivity means the transport reported a connectivity
	// failure, or the ADS stream failed before any DiscoveryResponse was
	// received on it.
	ErrTypeConnectivity
)

// typedError wraps an error with an ErrorType tag.
type typedError struct {
	t   ErrorType
	err error
}

func (e *typedError) Error() string { return e.err.Error() }
func (e *typedError) Unwrap() error { return e.err }

// NewErrorf creates an error of the given type with a formatted message.
func NewErrorf(t ErrorType, format string, args ...any) error {
	return &typedError{t: t, err: fmt.Errorf(format, args...)}
}

// ErrType returns the ErrorType tag attached to err via NewErrorf, or
// ErrTypeUnknown if err was not created that way.
func ErrType(err error) ErrorType {
	if te, ok := err.(*typedError); ok {
		return te.t
	}
	return ErrTypeUnknown
}

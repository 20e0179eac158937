/*
Copyright (c) Facebook, Inc. and its affiliates.

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

package protocol

import "fmt"

// ErrorKind is one of the protocol decode-failure taxonomy members.
// It implements error directly so a bare sentinel (ErrCRC, ErrMagic,
// ...) can be compared with errors.Is against a wrapped, detailed
// error returned from Decode*.
type ErrorKind string

func (k ErrorKind) Error() string { return string(k) }

// Decode failure kinds, matching the taxonomy the wire formats define.
const (
	ErrTruncated  ErrorKind = "protocol: truncated"
	ErrMagic      ErrorKind = "protocol: bad magic"
	ErrVersion    ErrorKind = "protocol: unsupported version"
	ErrInvalid    ErrorKind = "protocol: invalid field"
	ErrCRC        ErrorKind = "protocol: CRC mismatch"
	ErrBufferFull ErrorKind = "protocol: buffer too small"
)

// wrap produces an error whose errors.Is target is kind, with a
// formatted detail message appended.
func wrap(kind ErrorKind, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{kind}, args...)...)
}

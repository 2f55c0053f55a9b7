package krpc

import (
	"fmt"

	"github.com/anacrolix/torrent/bencode"
)

// Error codes.
const (
	ErrCodeGeneric           = 201
	ErrCodeServer            = 202
	ErrCodeProtocol          = 203
	ErrCodeMethodUnknown     = 204
	ErrCodeMessageTooBig     = 205
	ErrCodeInvalidSignature  = 206
	ErrCodeSaltTooBig        = 207
	ErrCodeCASMismatch       = 301
	ErrCodeSequenceNotLatest = 302
)

// Error is the "e" body of an error message. It doubles as a Go error so
// validation failures can be answered directly.
type Error struct {
	Code int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Msg)
}

// MarshalBencode encodes the error as a [code, message] list.
func (e Error) MarshalBencode() ([]byte, error) {
	return bencode.Marshal([]interface{}{e.Code, e.Msg})
}

// UnmarshalBencode decodes a [code, message] list. Missing elements are
// tolerated, and a bare string is taken as the message.
func (e *Error) UnmarshalBencode(b []byte) error {
	var v interface{}
	if err := bencode.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("krpc: decode error body: %w", err)
	}
	switch v := v.(type) {
	case []interface{}:
		if len(v) > 0 {
			code, ok := v[0].(int64)
			if !ok {
				return fmt.Errorf("krpc: error code has type %T", v[0])
			}
			e.Code = int(code)
		}
		if len(v) > 1 {
			if msg, ok := v[1].(string); ok {
				e.Msg = msg
			}
		}
	case string:
		e.Msg = v
	default:
		return fmt.Errorf("krpc: error body has type %T", v)
	}
	return nil
}

func protocolError(format string, args ...interface{}) *Error {
	return &Error{Code: ErrCodeProtocol, Msg: fmt.Sprintf(format, args...)}
}

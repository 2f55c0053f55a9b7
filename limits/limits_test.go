package limits

import (
	"errors"
	"testing"
)

// TestConstantConsistency verifies internal consistency of the size constants
func TestConstantConsistency(t *testing.T) {
	if MaxPacketSizeIPv6 >= MaxPacketSizeIPv4 {
		t.Errorf("MaxPacketSizeIPv6 (%d) should be < MaxPacketSizeIPv4 (%d)",
			MaxPacketSizeIPv6, MaxPacketSizeIPv4)
	}
	if ReceiveBufferSize <= MaxPacketSizeIPv4 {
		t.Errorf("ReceiveBufferSize (%d) should be > MaxPacketSizeIPv4 (%d)",
			ReceiveBufferSize, MaxPacketSizeIPv4)
	}
	if MaxValueSize >= MaxPacketSizeIPv6 {
		t.Errorf("MaxValueSize (%d) must fit in an IPv6 packet (%d)", MaxValueSize, MaxPacketSizeIPv6)
	}
}

// TestValidateMessageSize tests the generic message size validation function
func TestValidateMessageSize(t *testing.T) {
	tests := []struct {
		name    string
		message []byte
		maxSize int
		wantErr error
	}{
		{name: "empty message", message: []byte{}, maxSize: 100, wantErr: ErrMessageEmpty},
		{name: "nil message", message: nil, maxSize: 100, wantErr: ErrMessageEmpty},
		{name: "within limit", message: make([]byte, 50), maxSize: 100, wantErr: nil},
		{name: "at limit", message: make([]byte, MaxPacketSizeIPv6), maxSize: MaxPacketSizeIPv6, wantErr: nil},
		{name: "over limit", message: make([]byte, MaxPacketSizeIPv6+1), maxSize: MaxPacketSizeIPv6, wantErr: ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageSize(tt.message, tt.maxSize)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateMessageSize() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestValidateDatagram tests the inbound datagram pre-check
func TestValidateDatagram(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "empty", data: nil, wantErr: ErrMessageEmpty},
		{name: "too short", data: []byte("d1:ad"), wantErr: ErrMessageTooSmall},
		{name: "minimal dictionary", data: []byte("d1:t2:aa1:y1:qe"), wantErr: nil},
		{name: "filled buffer", data: make([]byte, ReceiveBufferSize), wantErr: ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDatagram(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateDatagram() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestStorageLimits tests BEP 44 value and salt validation
func TestStorageLimits(t *testing.T) {
	if err := ValidateValue(make([]byte, MaxValueSize)); err != nil {
		t.Errorf("max-size value rejected: %v", err)
	}
	if err := ValidateValue(make([]byte, MaxValueSize+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized value: got %v, want ErrMessageTooLarge", err)
	}
	if err := ValidateSalt(nil); err != nil {
		t.Errorf("empty salt rejected: %v", err)
	}
	if err := ValidateSalt(make([]byte, MaxSaltSize+1)); !errors.Is(err, ErrSaltTooLarge) {
		t.Errorf("oversized salt: got %v, want ErrSaltTooLarge", err)
	}
}

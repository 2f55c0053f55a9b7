// Package limits provides centralized size limits for the mainline DHT wire protocol.
// This ensures consistent validation across different components of the system.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPacketSizeIPv4 is the largest datagram sent over IPv4. It stays below
	// common path MTUs once IP and UDP headers are added.
	MaxPacketSizeIPv4 = 1450

	// MaxPacketSizeIPv6 is the largest datagram sent over IPv6 (the IPv6
	// minimum MTU of 1280 minus headers and tunnel overhead).
	MaxPacketSizeIPv6 = 1200

	// ReceiveBufferSize is the size of each datagram read buffer.
	// Anything larger is truncated by the kernel and rejected by the decoder.
	ReceiveBufferSize = 2048

	// MinPacketSize is the shortest datagram that can hold a KRPC dictionary
	// with transaction id and message type.
	MinPacketSize = 10

	// MaxValueSize is the BEP 44 limit on the bencoded size of a stored value.
	MaxValueSize = 1000

	// MaxSaltSize is the BEP 44 limit on the salt of a mutable item.
	MaxSaltSize = 64

	// TransactionIDLength is the length of transaction ids generated locally.
	TransactionIDLength = 6
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMessageTooSmall indicates a datagram too short to be a KRPC message
	ErrMessageTooSmall = errors.New("message too small")

	// ErrSaltTooLarge indicates a BEP 44 salt longer than MaxSaltSize
	ErrSaltTooLarge = errors.New("salt too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateDatagram checks an inbound datagram before it is decoded.
func ValidateDatagram(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) < MinPacketSize {
		return fmt.Errorf("%w: size %d below minimum %d", ErrMessageTooSmall, len(data), MinPacketSize)
	}
	if len(data) >= ReceiveBufferSize {
		return fmt.Errorf("%w: datagram filled the %d byte receive buffer", ErrMessageTooLarge, ReceiveBufferSize)
	}
	return nil
}

// ValidateValue validates the bencoded form of a BEP 44 value.
func ValidateValue(v []byte) error {
	if len(v) == 0 {
		return ErrMessageEmpty
	}
	if len(v) > MaxValueSize {
		return fmt.Errorf("%w: value size %d exceeds limit %d", ErrMessageTooLarge, len(v), MaxValueSize)
	}
	return nil
}

// ValidateSalt validates a BEP 44 salt. An empty salt is allowed.
func ValidateSalt(salt []byte) error {
	if len(salt) > MaxSaltSize {
		return fmt.Errorf("%w: salt size %d exceeds limit %d", ErrSaltTooLarge, len(salt), MaxSaltSize)
	}
	return nil
}

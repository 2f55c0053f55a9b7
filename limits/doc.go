// Package limits provides centralized size constants and validation functions
// for the mainline DHT wire protocol.
//
// # Packet Sizes
//
// Outgoing datagrams are capped per address family:
//
//   - MaxPacketSizeIPv4 (1450 bytes): leaves room for IPv4/UDP headers and
//     tunnel encapsulation below a 1500 byte MTU.
//
//   - MaxPacketSizeIPv6 (1200 bytes): fits the IPv6 minimum MTU of 1280 bytes.
//
// Responses that carry node lists or peer values are trimmed by their
// producers to fit these limits; ValidateMessageSize is the final check before
// a datagram is queued.
//
// # Storage Limits
//
// BEP 44 items are limited to MaxValueSize bytes of bencoded value and
// MaxSaltSize bytes of salt:
//
//	if err := limits.ValidateValue(v); err != nil {
//	    // answer with error 205
//	}
//	if err := limits.ValidateSalt(salt); err != nil {
//	    // answer with error 207
//	}
//
// # Error Types
//
//   - ErrMessageEmpty: Returned when an empty or nil message is provided
//   - ErrMessageTooLarge: Returned when message exceeds the specified limit
//   - ErrMessageTooSmall: Returned for datagrams too short to decode
//   - ErrSaltTooLarge: Returned for oversized BEP 44 salts
package limits

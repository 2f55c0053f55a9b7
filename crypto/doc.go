// Package crypto holds the signing and hashing primitives the DHT needs.
//
// Mutable items (BEP 44) are signed with Ed25519 over the bencoded salt, seq
// and v entries; see [SignatureBuffer]. Items are stored under a target
// derived with SHA-1 from the value (immutable) or from the public key and
// salt (mutable):
//
//	kp, _ := crypto.GenerateKeyPair()
//	item, err := crypto.NewMutableItem([]byte("5:hello"), 1, nil, kp)
//	if err != nil {
//		return err
//	}
//	target := item.Target()
//
// Write tokens are authenticated with a keyed BLAKE2b digest truncated to
// [MACSize] bytes, see [MAC].
package crypto

package crypto

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"strings"
	"testing"

	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/limits"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test vector from BEP 44.
const (
	bep44Pub     = "77ff84905a91936367c01360803104f92432fcd904a43511876df5cdf3e7e548"
	bep44Sig     = "305ac8aeb6c9c151fa120f120ea2cfb923564e11552d06a5d856091e5e853cff1260d3f39e4999684aa92eb73ffd136e6f4f3ecbfda0ce53a1608ecd7ae21f01"
	bep44SaltSig = "6834284b6b24c3204eb2fea824d82f88883a3d95e8b4a21b8c0ded553d17d17ddf9a8a7104b1258f30bed3787e6cb896fca78c58f8e03b5f18f14951a87d9a08"
)

func TestSignatureBuffer(t *testing.T) {
	assert.Equal(t, "3:seqi1e1:v12:Hello World!",
		string(SignatureBuffer(nil, 1, []byte("12:Hello World!"))))
	assert.Equal(t, "4:salt6:foobar3:seqi1e1:v12:Hello World!",
		string(SignatureBuffer([]byte("foobar"), 1, []byte("12:Hello World!"))))
	assert.Equal(t, "3:seqi-4e1:vi0e", string(SignatureBuffer(nil, -4, []byte("i0e"))))
}

func TestKeyPairFromSecretKey(t *testing.T) {
	var seed [32]byte
	_, err := FromSecretKey(seed)
	require.Error(t, err, "all-zero seed must be rejected")

	seed[0], seed[31] = 0x4c, 0x2a
	kp, err := FromSecretKey(seed)
	require.NoError(t, err)
	assert.Equal(t, seed, kp.Private)

	again, err := FromSecretKey(seed)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, again.Public, "derivation is deterministic")
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("3:seqi1e1:v12:Hello World!")
	sig, err := Sign(msg, kp.Private)
	require.NoError(t, err)

	ok, err := Verify(msg, sig, kp.Public)
	require.NoError(t, err)
	assert.True(t, ok)

	sig[0] ^= 1
	ok, err = Verify(msg, sig, kp.Public)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Sign(nil, kp.Private)
	assert.Error(t, err)
}

func TestVerifyPublishedVector(t *testing.T) {
	pub, _ := hex.DecodeString(bep44Pub)
	sigRaw, _ := hex.DecodeString(bep44Sig)

	it := &Item{V: []byte("12:Hello World!"), Mutable: true, Seq: 1}
	copy(it.K[:], pub)
	copy(it.Sig[:], sigRaw)

	assert.NoError(t, it.Verify())
	assert.Equal(t, "4a533d47ec9c7d95b1ad75f576cffc641853b750", it.Target().String())

	salted := *it
	salted.Salt = []byte("foobar")
	saltSig, _ := hex.DecodeString(bep44SaltSig)
	copy(salted.Sig[:], saltSig)
	assert.NoError(t, salted.Verify())
	assert.Equal(t, "411eba73b6f087ca51a3795d9c8c938d365e32c1", salted.Target().String())

	it.Seq = 2
	assert.ErrorIs(t, it.Verify(), ErrInvalidSignature)
}

func TestImmutableItem(t *testing.T) {
	v := []byte("12:Hello World!")
	it, err := NewImmutableItem(v)
	require.NoError(t, err)

	want := sha1.Sum(v)
	assert.Equal(t, key.Key(want), it.Target())
	assert.Equal(t, "e5f96f6f38320f0f33959cb4d3d656452117aadb", it.Target().String())
	assert.NoError(t, it.VerifyTarget(it.Target()))
	assert.ErrorIs(t, it.VerifyTarget(key.Key{}), ErrTargetMismatch)

	_, err = NewImmutableItem(nil)
	assert.ErrorIs(t, err, limits.ErrMessageEmpty)
	_, err = NewImmutableItem(bytes.Repeat([]byte("x"), limits.MaxValueSize+1))
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)
}

func TestMutableItem(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	salt := []byte("foobar")
	it, err := NewMutableItem([]byte("5:hello"), 7, salt, kp)
	require.NoError(t, err)
	assert.True(t, it.Mutable)
	assert.Equal(t, kp.Public, it.K)
	assert.NoError(t, it.Verify())

	assert.Equal(t, MutableTarget(kp.Public, salt), it.Target())
	assert.NotEqual(t, MutableTarget(kp.Public, nil), it.Target(), "salt changes the target")
	assert.NoError(t, it.VerifyTarget(MutableTarget(kp.Public, salt)))

	tampered := *it
	tampered.V = []byte("5:world")
	assert.ErrorIs(t, tampered.Verify(), ErrInvalidSignature)

	_, err = NewMutableItem([]byte("5:hello"), 1, bytes.Repeat([]byte("s"), limits.MaxSaltSize+1), kp)
	assert.ErrorIs(t, err, limits.ErrSaltTooLarge)
}

func TestMAC(t *testing.T) {
	secret, err := NewMACKey()
	require.NoError(t, err)
	require.Len(t, secret, MACKeySize)

	a, err := MAC(secret, []byte("node"), []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Len(t, a, MACSize)

	b, err := MAC(secret, []byte("node"), []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.True(t, EqualMAC(a, b))

	other, err := NewMACKey()
	require.NoError(t, err)
	c, err := MAC(other, []byte("node"), []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.False(t, EqualMAC(a, c))

	_, err = MAC(make([]byte, 65))
	assert.Error(t, err, "blake2b keys are limited to 64 bytes")
}

func TestMACRejectsLongSecret(t *testing.T) {
	var buf bytes.Buffer
	logrus.SetOutput(&buf)
	defer logrus.SetOutput(os.Stderr)

	_, err := MAC(make([]byte, 65), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, buf.String(), "function=MAC")
	assert.Contains(t, buf.String(), "operation=blake2b.New")
	assert.Contains(t, buf.String(), "level=warning")
}

func TestSecureWipe(t *testing.T) {
	assert.Error(t, SecureWipe(nil))

	secret, err := NewMACKey()
	require.NoError(t, err)
	ZeroBytes(secret)
	assert.Equal(t, make([]byte, len(secret)), secret)
}

func TestSecureFieldHash(t *testing.T) {
	f := SecureFieldHash([]byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5}, "pk")
	assert.Equal(t, "deadbeef01020304...", f["pk_preview"])
	assert.Equal(t, 9, f["pk_size"])
	assert.Equal(t, "nil", SecureFieldHash(nil, "pk")["pk_preview"])

	var buf bytes.Buffer
	logrus.SetOutput(&buf)
	logrus.SetLevel(logrus.DebugLevel)
	defer func() {
		logrus.SetOutput(os.Stderr)
		logrus.SetLevel(logrus.InfoLevel)
	}()
	NewLogger("TestSecureFieldHash").WithField("seq", 3).Debug("Signed")
	assert.True(t, strings.Contains(buf.String(), "function=TestSecureFieldHash"))
}

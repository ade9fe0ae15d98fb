package secure

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// MinKeyBits is the smallest RSA modulus accepted for the per-connection keypair.
const MinKeyBits = 2048

// ErrHandshake covers every failure to turn a key exchange into a session codec.
var ErrHandshake = errors.New("handshake failed")

// PublicKeyMessage is sent unencrypted as the first frame of every connection.
type PublicKeyMessage struct {
	Type     string `json:"Type"`
	Modulus  string `json:"Modulus"`
	Exponent string `json:"Exponent"`
}

// KeyExchangeMessage is the client's reply carrying the wrapped AES key and IV.
type KeyExchangeMessage struct {
	Type         string `json:"Type"`
	EncryptedKey string `json:"EncryptedKey"`
	EncryptedIV  string `json:"EncryptedIV"`
}

// KeyPair is the RSA keypair generated for a single connection.
type KeyPair struct {
	private *rsa.PrivateKey
}

// NewKeyPair generates a fresh keypair of the given size.
func NewKeyPair(bits int) (*KeyPair, error) {
	if bits < MinKeyBits {
		return nil, fmt.Errorf("%w: key size %d below %d", ErrHandshake, bits, MinKeyBits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return &KeyPair{private: key}, nil
}

// Public exposes the public half, used by tests acting as a client.
func (k *KeyPair) Public() *rsa.PublicKey {
	return &k.private.PublicKey
}

// PublicKeyMessage renders the ServerPublicKey frame. Modulus and exponent are big-endian
// unsigned bytes, the layout the client imports.
func (k *KeyPair) PublicKeyMessage() ([]byte, error) {
	pub := k.private.PublicKey
	return json.Marshal(PublicKeyMessage{
		Type:     "ServerPublicKey",
		Modulus:  base64.StdEncoding.EncodeToString(pub.N.Bytes()),
		Exponent: base64.StdEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	})
}

// DecryptKeyExchange unwraps the client's AES key and IV. OAEP uses SHA-1 because the
// deployed clients encrypt with OaepSHA1.
func (k *KeyPair) DecryptKeyExchange(encKeyB64, encIVB64 string) (*Codec, error) {
	key, err := k.unwrap(encKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: key: %v", ErrHandshake, err)
	}
	iv, err := k.unwrap(encIVB64)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrHandshake, err)
	}
	codec, err := NewCodec(key, iv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return codec, nil
}

func (k *KeyPair) unwrap(b64 string) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	return rsa.DecryptOAEP(sha1.New(), rand.Reader, k.private, wrapped, nil)
}

// WrapForServer performs the client half of the exchange: it encrypts key material to the
// server's public key. The server never calls it; it exists for test clients and tooling.
func WrapForServer(pub *rsa.PublicKey, secret []byte) (string, error) {
	wrapped, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, secret, nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// ParsePublicKeyMessage rebuilds a public key from a ServerPublicKey frame.
func ParsePublicKeyMessage(raw []byte) (*rsa.PublicKey, error) {
	var msg PublicKeyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Type != "ServerPublicKey" {
		return nil, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	mod, err := base64.StdEncoding.DecodeString(msg.Modulus)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	exp, err := base64.StdEncoding.DecodeString(msg.Exponent)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(mod),
		E: int(new(big.Int).SetBytes(exp).Int64()),
	}, nil
}

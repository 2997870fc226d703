package secrets

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
)

const (
	// KeySize is the size in bytes of every symmetric key in the system.
	KeySize = 32

	AlgorithmAESGCM = "aesgcm"

	payloadVersion = 1
)

// ErrAuthentication is returned when a sealed payload fails its integrity
// check: the wrong key was supplied or the payload was corrupted.
var ErrAuthentication = errors.New("ciphertext failed authentication")

type SymmetricKey struct {
	// unencrypted is the unencrypted key material. This field *MUST NOT* be persisted.
	unencrypted []byte
	// Encrypted is the key material encrypted by a root key, when the key came from a SymmetricKeyProvider.
	Encrypted []byte `json:"key,omitempty"`
	// Algorithm is the algorithm used for encryption.
	Algorithm string `json:"alg"`
	// RootKeyID is the ID of the root key used to encrypt the data key.
	RootKeyID string `json:"rkid,omitempty"`
}

// GenerateKey returns a new random key.
func GenerateKey() (*SymmetricKey, error) {
	material, err := cryptoRandRead(KeySize)
	if err != nil {
		return nil, err
	}

	return &SymmetricKey{unencrypted: material, Algorithm: AlgorithmAESGCM}, nil
}

// NewSymmetricKey wraps existing key material. The material is copied.
func NewSymmetricKey(material []byte) (*SymmetricKey, error) {
	if len(material) != KeySize {
		return nil, fmt.Errorf("key is the wrong size %v, expected %v bytes", len(material), KeySize)
	}

	b := make([]byte, len(material))
	copy(b, material)

	return &SymmetricKey{unencrypted: b, Algorithm: AlgorithmAESGCM}, nil
}

// ID is a short fingerprint of the key material. It is stored with every
// payload sealed by the key.
func (k *SymmetricKey) ID() string {
	if len(k.unencrypted) == 0 {
		return ""
	}

	sum := sha256.Sum256(k.unencrypted)

	return hex.EncodeToString(sum[:8])
}

// Material returns a copy of the unencrypted key material, for callers that
// persist the key themselves.
func (k *SymmetricKey) Material() []byte {
	b := make([]byte, len(k.unencrypted))
	copy(b, k.unencrypted)

	return b
}

// Destroy wipes the unencrypted key material from memory. The key is
// unusable afterwards.
func (k *SymmetricKey) Destroy() {
	memguard.WipeBytes(k.unencrypted)
	k.unencrypted = nil
}

// cryptoRandRead is a safe read from crypto/rand, checking errors and number of bytes read, erroring if we don't get enough
func cryptoRandRead(length int) ([]byte, error) {
	b := make([]byte, length)

	i, err := io.ReadFull(rand.Reader, b)
	if err != nil {
		return nil, fmt.Errorf("crypto/rand read: %w", err)
	}

	if i != length {
		return nil, fmt.Errorf("could not read %d random characters from crypto/rand, only got %d", length, i)
	}

	return b, nil
}

// Seal encrypts plain with key. Every call uses a fresh nonce, so sealing
// the same plaintext twice gives different output.
func Seal(key *SymmetricKey, plain []byte) ([]byte, error) {
	if len(key.unencrypted) != KeySize {
		return nil, fmt.Errorf("key is the wrong size %v, expected %v bytes", len(key.unencrypted), KeySize)
	}

	aesgcm, err := newGCM(key.unencrypted)
	if err != nil {
		return nil, err
	}

	nonce, err := cryptoRandRead(aesgcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	payload := encryptedPayload{
		Algorithm: AlgorithmAESGCM,
		KeyID:     key.ID(),
		RootKeyID: key.RootKeyID,
		Nonce:     nonce,
	}

	header, err := payload.marshalHeader()
	if err != nil {
		return nil, err
	}

	payload.Ciphertext = aesgcm.Seal(nil, nonce, plain, header)

	return payload.marshal(header)
}

// Unseal decrypts a payload produced by Seal. Any failure to verify the
// payload, including a payload sealed by a different key, is reported as
// ErrAuthentication.
func Unseal(key *SymmetricKey, sealed []byte) ([]byte, error) {
	if len(key.unencrypted) == 0 {
		return nil, errors.New("missing key")
	}

	payload, header, err := unmarshalPayload(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	if payload.Algorithm != AlgorithmAESGCM {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrAuthentication, payload.Algorithm)
	}

	if payload.KeyID != key.ID() {
		return nil, fmt.Errorf("%w: sealed with key %s, not %s", ErrAuthentication, payload.KeyID, key.ID())
	}

	aesgcm, err := newGCM(key.unencrypted)
	if err != nil {
		return nil, err
	}

	if len(payload.Nonce) != aesgcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce size %d", ErrAuthentication, len(payload.Nonce))
	}

	plaintext, err := aesgcm.Open(nil, payload.Nonce, payload.Ciphertext, header)
	if err != nil {
		return nil, fmt.Errorf("%w: opening seal: %v", ErrAuthentication, err)
	}

	return plaintext, nil
}

// SealedKeyID returns the ID of the key that sealed the payload, without
// verifying the payload.
func SealedKeyID(sealed []byte) (string, error) {
	payload, _, err := unmarshalPayload(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	return payload.KeyID, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	aesgcm, err := cipher.NewGCM(blk)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	return aesgcm, nil
}

type encryptedPayload struct {
	Algorithm  string // name of the algorithm used to encrypt the Ciphertext
	KeyID      string // fingerprint of the key used
	RootKeyID  string // id of the root key the key is encrypted with, if any
	Nonce      []byte // must be crypto-random unique every time
	Ciphertext []byte
}

// marshalHeader writes every field except the ciphertext. The header is
// authenticated as GCM additional data.
func (p *encryptedPayload) marshalHeader() ([]byte, error) {
	b := bytes.NewBuffer(nil)

	if err := b.WriteByte(payloadVersion); err != nil {
		return nil, err
	}

	for _, field := range [][]byte{[]byte(p.Algorithm), []byte(p.KeyID), []byte(p.RootKeyID), p.Nonce} {
		if len(field) > 255 {
			return nil, fmt.Errorf("payload field too long: %d bytes", len(field))
		}

		if err := binary.Write(b, binary.BigEndian, uint8(len(field))); err != nil {
			return nil, err
		}

		if _, err := b.Write(field); err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}

func (p *encryptedPayload) marshal(header []byte) ([]byte, error) {
	b := bytes.NewBuffer(make([]byte, 0, len(header)+4+len(p.Ciphertext)))
	b.Write(header)

	if err := binary.Write(b, binary.BigEndian, uint32(len(p.Ciphertext))); err != nil {
		return nil, err
	}

	b.Write(p.Ciphertext)

	return b.Bytes(), nil
}

func unmarshalPayload(sealed []byte) (*encryptedPayload, []byte, error) {
	b := bytes.NewReader(sealed)

	version, err := b.ReadByte()
	if err != nil {
		return nil, nil, fmt.Errorf("reading version: %w", err)
	}

	if version != payloadVersion {
		return nil, nil, fmt.Errorf("unknown payload version %d", version)
	}

	fields := make([][]byte, 4)
	for i := range fields {
		var length uint8
		if err := binary.Read(b, binary.BigEndian, &length); err != nil {
			return nil, nil, fmt.Errorf("reading header: %w", err)
		}

		fields[i] = make([]byte, length)
		if _, err := io.ReadFull(b, fields[i]); err != nil {
			return nil, nil, fmt.Errorf("reading header: %w", err)
		}
	}

	headerLen := len(sealed) - b.Len()

	var ln uint32
	if err := binary.Read(b, binary.BigEndian, &ln); err != nil {
		return nil, nil, fmt.Errorf("reading ciphertext length: %w", err)
	}

	if int64(ln) != int64(b.Len()) {
		return nil, nil, fmt.Errorf("ciphertext length %d does not match payload", ln)
	}

	ciphertext := make([]byte, ln)
	if _, err := io.ReadFull(b, ciphertext); err != nil {
		return nil, nil, fmt.Errorf("reading ciphertext: %w", err)
	}

	p := &encryptedPayload{
		Algorithm:  string(fields[0]),
		KeyID:      string(fields[1]),
		RootKeyID:  string(fields[2]),
		Nonce:      fields[3],
		Ciphertext: ciphertext,
	}

	return p, sealed[:headerLen], nil
}

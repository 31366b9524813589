// Package secretbox provides versioned, authenticated encryption of stored
// content. Ciphertext is wrapped in a key-version-tagged envelope so that key
// rotation never invalidates existing data: new writes use the current key,
// reads select the key from the envelope.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const keyLen = 32 // AES-256

// ErrDecryptionFailed is the uniform hard error for bad tags, unknown key
// versions and malformed envelopes. Partial plaintext is never returned.
var ErrDecryptionFailed = errors.New("secretbox: decryption failed")

// Codec encrypts and decrypts text envelopes against a small in-process
// key registry. Safe for concurrent use; the registry is immutable after
// construction.
type Codec struct {
	keys    map[int][]byte
	current int
	oldest  int
}

// NewCodec builds a Codec from a version-to-key registry. The highest
// version becomes the current encryption key; the lowest serves legacy
// envelopes written before version tags existed.
func NewCodec(keys map[int][]byte) (*Codec, error) {
	if len(keys) == 0 {
		return nil, errors.New("secretbox: at least one key is required")
	}
	versions := make([]int, 0, len(keys))
	for v, k := range keys {
		if v <= 0 {
			return nil, fmt.Errorf("secretbox: invalid key version %d", v)
		}
		if len(k) != keyLen {
			return nil, fmt.Errorf("secretbox: key v%d must be %d bytes, got %d", v, keyLen, len(k))
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	registry := make(map[int][]byte, len(keys))
	for v, k := range keys {
		dup := make([]byte, keyLen)
		copy(dup, k)
		registry[v] = dup
	}
	return &Codec{
		keys:    registry,
		current: versions[len(versions)-1],
		oldest:  versions[0],
	}, nil
}

// ParseKeys parses the LOOM_ENCRYPTION_KEYS format: comma-separated
// "<version>:<32-byte key>" entries.
func ParseKeys(spec string) (map[int][]byte, error) {
	keys := make(map[int][]byte)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		version, key, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("secretbox: malformed key entry %q", entry)
		}
		v, err := strconv.Atoi(strings.TrimSpace(version))
		if err != nil {
			return nil, fmt.Errorf("secretbox: bad key version %q", version)
		}
		if _, exists := keys[v]; exists {
			return nil, fmt.Errorf("secretbox: duplicate key version %d", v)
		}
		keys[v] = []byte(key)
	}
	if len(keys) == 0 {
		return nil, errors.New("secretbox: no keys configured")
	}
	return keys, nil
}

// CurrentVersion returns the key version used for new envelopes.
func (c *Codec) CurrentVersion() int { return c.current }

// Encrypt seals plaintext under the current key with a fresh random nonce.
// Encrypting the same plaintext twice yields different envelopes.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("secretbox: cannot encrypt empty string")
	}
	gcm, err := c.aead(c.current)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	// gcm.Seal appends the tag; the envelope stores it as a separate field.
	tagAt := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagAt], sealed[tagAt:]
	return fmt.Sprintf("v%d:%s:%s:%s",
		c.current,
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	), nil
}

// Decrypt opens an envelope, selecting the key by the embedded version.
// Legacy 3-field envelopes without a version tag decrypt under the oldest
// known key.
func (c *Codec) Decrypt(envelope string) (string, error) {
	version, nonce, tag, ciphertext, err := c.split(envelope)
	if err != nil {
		return "", err
	}
	gcm, err := c.aead(version)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	if len(nonce) != gcm.NonceSize() || len(tag) != gcm.Overhead() {
		return "", ErrDecryptionFailed
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// NeedsRotation reports whether the envelope was written under an old key.
func (c *Codec) NeedsRotation(envelope string) bool {
	version, _, _, _, err := c.split(envelope)
	if err != nil {
		return false
	}
	return version != c.current
}

// Rotate re-encrypts an old envelope under the current key.
func (c *Codec) Rotate(envelope string) (string, error) {
	plaintext, err := c.Decrypt(envelope)
	if err != nil {
		return "", err
	}
	return c.Encrypt(plaintext)
}

// IsEncrypted reports whether the string looks like a secretbox envelope,
// in either the tagged or the legacy format.
func (c *Codec) IsEncrypted(s string) bool {
	_, _, _, _, err := c.split(s)
	return err == nil
}

func (c *Codec) aead(version int) (cipher.AEAD, error) {
	key, ok := c.keys[version]
	if !ok {
		return nil, fmt.Errorf("secretbox: unknown key version %d", version)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (c *Codec) split(envelope string) (version int, nonce, tag, ciphertext []byte, err error) {
	if envelope == "" {
		return 0, nil, nil, nil, ErrDecryptionFailed
	}
	parts := strings.Split(envelope, ":")
	var fields []string
	switch len(parts) {
	case 4:
		v, convErr := parseVersionTag(parts[0])
		if convErr != nil {
			return 0, nil, nil, nil, ErrDecryptionFailed
		}
		version = v
		fields = parts[1:]
	case 3:
		// Legacy envelopes predate version tags.
		version = c.oldest
		fields = parts
	default:
		return 0, nil, nil, nil, ErrDecryptionFailed
	}
	nonce, err = hex.DecodeString(fields[0])
	if err != nil {
		return 0, nil, nil, nil, ErrDecryptionFailed
	}
	tag, err = hex.DecodeString(fields[1])
	if err != nil {
		return 0, nil, nil, nil, ErrDecryptionFailed
	}
	ciphertext, err = hex.DecodeString(fields[2])
	if err != nil || len(ciphertext) == 0 {
		return 0, nil, nil, nil, ErrDecryptionFailed
	}
	return version, nonce, tag, ciphertext, nil
}

func parseVersionTag(tag string) (int, error) {
	if !strings.HasPrefix(tag, "v") {
		return 0, ErrDecryptionFailed
	}
	v, err := strconv.Atoi(tag[1:])
	if err != nil || v <= 0 {
		return 0, ErrDecryptionFailed
	}
	return v, nil
}

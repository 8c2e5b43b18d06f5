// Package crypto implements the room message cipher: AES-256-CBC with
// PKCS#7 padding, a fresh random IV prepended to every ciphertext, and
// base64 wire encoding. The same blob format is produced and consumed by
// every client of a room, keyed by the room's symmetric key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"
)

const ivSize = aes.BlockSize

// ErrMissingKey is returned when encrypt or decrypt is called without a key.
var ErrMissingKey = errors.New("missing symmetric key")

// DecryptError indicates a blob that could not be decrypted: malformed
// encoding, truncation, or a wrong key. It never carries partial plaintext.
type DecryptError struct {
	Reason string
}

func (e *DecryptError) Error() string {
	return "decrypt failed: " + e.Reason
}

// IsDecryptError reports whether err is a DecryptError.
func IsDecryptError(err error) bool {
	var de *DecryptError
	return errors.As(err, &de)
}

// Encrypt encrypts plaintext with the given key and returns the base64
// encoding of IV||ciphertext. Each call draws a fresh IV, so encrypting the
// same plaintext twice yields different blobs.
func Encrypt(key []byte, plaintext string) (string, error) {
	if len(key) == 0 {
		return "", ErrMissingKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("invalid key: %w", err)
	}

	padded := pad([]byte(plaintext))

	out := make([]byte, ivSize+len(padded))
	iv := out[:ivSize]
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[ivSize:], padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt decodes a base64 IV||ciphertext blob and returns the plaintext.
// Any structural problem, padding failure, or non-UTF-8 result is reported
// as a DecryptError so a wrong key cannot surface as silent garbage.
func Decrypt(key []byte, blob string) (string, error) {
	if len(key) == 0 {
		return "", ErrMissingKey
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", &DecryptError{Reason: "invalid base64"}
	}
	if len(raw) < ivSize+aes.BlockSize {
		return "", &DecryptError{Reason: fmt.Sprintf("blob too short: %d bytes", len(raw))}
	}

	iv := raw[:ivSize]
	ciphertext := raw[ivSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return "", &DecryptError{Reason: "ciphertext not a block multiple"}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("invalid key: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, ok := unpad(plaintext)
	if !ok {
		return "", &DecryptError{Reason: "bad padding (wrong key?)"}
	}
	if !utf8.Valid(unpadded) {
		return "", &DecryptError{Reason: "plaintext is not valid UTF-8 (wrong key?)"}
	}

	return string(unpadded), nil
}

// pad applies PKCS#7 padding up to the AES block size.
func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

// unpad strips PKCS#7 padding, verifying every padding byte.
func unpad(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}

// Package decrypt implements AES-128-CBC segment decryption with PKCS#7
// padding removal. All functions are pure and safe for concurrent use.
package decrypt

import (
	"crypto/aes"
	"crypto/cipher"
)

// Error signals a segment that could not be decrypted. Padding failures
// mean the ciphertext is corrupted (or the key/IV is wrong); the caller
// should re-fetch the segment rather than retry disk I/O.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "decrypt: " + e.Reason
}

// CBC decrypts an AES-CBC ciphertext and strips the PKCS#7 padding from
// the final block.
func CBC(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &Error{Reason: err.Error()}
	}
	if len(iv) != block.BlockSize() {
		return nil, &Error{Reason: "IV length must match block size"}
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, &Error{Reason: "ciphertext is not a whole number of blocks"}
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return unpad(plaintext, block.BlockSize())
}

// unpad validates and removes PKCS#7 padding.
func unpad(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, &Error{Reason: "invalid padding"}
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, &Error{Reason: "invalid padding"}
		}
	}
	return data[:len(data)-n], nil
}

// Pad applies PKCS#7 padding. The encryption side lives only in tests,
// but padding is needed by anything producing fixtures.
func Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

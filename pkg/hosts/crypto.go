package hosts

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize      = 32
	nonceSize    = 12
	saltSize     = 16
	kdfIterations = 65536
)

// secretBox encrypts credential material at rest. The key is derived from
// a machine-stable seed (uid + install path), so records cannot simply be
// copied to another machine and decrypted.
type secretBox struct {
	key []byte
}

func newSecretBox(installPath string, salt []byte) *secretBox {
	seed := fmt.Sprintf("dockerpilot|%d|%s", os.Getuid(), installPath)
	key := pbkdf2.Key([]byte(seed), salt, kdfIterations, keySize, sha256.New)

	return &secretBox{key: key}
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.Wrap(err, "unable to generate salt")
	}
	return salt, nil
}

// seal encrypts plaintext with AES-256-GCM; the nonce is prepended.
func (b *secretBox) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create cipher")
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create GCM")
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "unable to generate nonce")
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (b *secretBox) open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create cipher")
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create GCM")
	}

	plaintext, err := gcm.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, errors.New("decryption failed")
	}

	return plaintext, nil
}

// Пакет credential — шифрование токенов LMS студентов перед записью в БД.
// XChaCha20-Poly1305 со случайным 24-байтовым nonce в начале шифртекста.
// Регистрационный номер передаётся как AAD: шифртекст одного студента
// нельзя подставить в строку другого.
package credential

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt — шифртекст повреждён, подменён или зашифрован другим ключом.
var ErrDecrypt = errors.New("не удалось расшифровать токен LMS")

// Sealer шифрует и расшифровывает токены.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer создаёт Sealer по EB_CREDENTIAL_KEY.
// Ключ — 32 байта в base64; любая другая строка хешируется SHA-256.
func NewSealer(key string) (*Sealer, error) {
	if key == "" {
		return nil, errors.New("ключ шифрования токенов LMS не задан")
	}

	keyBytes, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(keyBytes) != chacha20poly1305.KeySize {
		sum := sha256.Sum256([]byte(key))
		keyBytes = sum[:]
	}

	aead, err := chacha20poly1305.NewX(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("инициализация XChaCha20-Poly1305: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal шифрует plaintext; результат — nonce || ciphertext.
func (s *Sealer) Seal(plaintext []byte, aad string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("генерация nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(aad)), nil
}

// Open расшифровывает результат Seal с тем же aad.
func (s *Sealer) Open(sealed []byte, aad string) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(aad))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

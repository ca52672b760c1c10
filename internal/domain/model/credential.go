package model

import "time"

// LMSCredential — токен web-сервиса LMS, выпущенный на учётную запись студента.
// Хранится в таблице lms_credentials в зашифрованном виде.
type LMSCredential struct {
	RegisterNumber string
	RemoteUserID   int64
	RemoteUsername string
	// TokenCiphertext — nonce || ciphertext (credential.Sealer)
	TokenCiphertext []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

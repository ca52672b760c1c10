package model

import "time"

// RemoteIdentity — связь учётной записи LMS с регистрационным номером.
// Хранится в таблице remote_identities.
type RemoteIdentity struct {
	RemoteUsername string
	RegisterNumber string
	// RemoteUserID — id пользователя в LMS; nil, если не известен
	RemoteUserID *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

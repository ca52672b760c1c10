package model

import "time"

// QueueStatus — статус записи очереди повторов.
type QueueStatus string

const (
	QueueQueued    QueueStatus = "queued"
	QueueInFlight  QueueStatus = "in_flight"
	QueueExhausted QueueStatus = "exhausted"
)

// QueueEntry — отложенная повторная отправка артефакта.
// Хранится в таблице submission_queue; живая (queued/in_flight) — не более одной на артефакт.
type QueueEntry struct {
	ID            string
	ArtifactID    string
	Status        QueueStatus
	Priority      int
	RetryCount    int
	MaxRetries    int
	NextAttemptAt time.Time
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// QueueStats — счётчики очереди для операторов.
type QueueStats struct {
	Queued    int
	InFlight  int
	Exhausted int
	// DueNow — queued-записи, срок которых уже наступил
	DueNow int
}

// Depth — записи, ожидающие или выполняющие повтор.
func (s QueueStats) Depth() int {
	return s.Queued + s.InFlight
}

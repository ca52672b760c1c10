package model

import "time"

// SubjectMapping — соответствие кода предмета курсу и заданию в LMS.
// Хранится в таблице subject_mappings. Активен не более чем один маппинг на код.
type SubjectMapping struct {
	ID                 string
	SubjectCode        string
	SubjectName        *string
	RemoteCourseID     int64
	RemoteAssignmentID int64
	AssignmentName     *string
	ExamSession        *string
	Active             bool
	// LastVerifiedAt — время последней успешной отправки по предмету
	LastVerifiedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

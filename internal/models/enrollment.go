package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses. Rows are never hard-deleted; history
// stays queryable through the INACTIVE rows.
const (
	EnrollmentStatusActive   EnrollmentStatus = "ACTIVE"
	EnrollmentStatusInactive EnrollmentStatus = "INACTIVE"
)

// Enrollment relates a student to a class section. At most one row per
// (student, class) pair is ACTIVE at any time.
type Enrollment struct {
	ID           string           `db:"id" json:"id"`
	StudentID    string           `db:"student_id" json:"student_id"`
	ClassID      string           `db:"class_id" json:"class_id"`
	Status       EnrollmentStatus `db:"status" json:"status"`
	EnrolledAt   time.Time        `db:"enrolled_at" json:"enrolled_at"`
	UnenrolledAt *time.Time       `db:"unenrolled_at" json:"unenrolled_at,omitempty"`
	EnrolledBy   string           `db:"enrolled_by" json:"enrolled_by"`
	UnenrolledBy *string          `db:"unenrolled_by" json:"unenrolled_by,omitempty"`
	Reason       *string          `db:"reason" json:"reason,omitempty"`
}

// EnrollmentDetail enriches Enrollment with student and class info.
type EnrollmentDetail struct {
	Enrollment
	StudentName string `db:"student_name" json:"student_name"`
	ClassName   string `db:"class_name" json:"class_name"`
	TeacherName string `db:"teacher_name" json:"teacher_name"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID string
	ClassID   string
	Status    EnrollmentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// EligibilityResult reports each enrollment precondition separately so
// callers can pre-flight without mutating anything.
type EligibilityResult struct {
	StudentExists  bool `json:"student_exists"`
	StudentActive  bool `json:"student_active"`
	ClassExists    bool `json:"class_exists"`
	ClassActive    bool `json:"class_active"`
	HasCapacity    bool `json:"has_capacity"`
	NotYetEnrolled bool `json:"not_yet_enrolled"`
	Eligible       bool `json:"eligible"`
	SeatsAvailable int  `json:"seats_available"`
}

// BulkEnrollResult collects per-student outcomes of a bulk enrollment.
type BulkEnrollResult struct {
	Successful []EnrollmentDetail  `json:"successful"`
	Failed     []BulkEnrollFailure `json:"failed"`
}

// BulkEnrollFailure captures a single student that could not be enrolled.
type BulkEnrollFailure struct {
	StudentID string `json:"student_id"`
	Code      string `json:"code"`
	Reason    string `json:"reason"`
}

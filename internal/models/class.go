package models

import "time"

// ClassSection represents one offering of a course owned by a teacher.
type ClassSection struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	TeacherID    string    `db:"teacher_id" json:"teacher_id"`
	Capacity     int       `db:"capacity" json:"capacity"`
	AcademicYear string    `db:"academic_year" json:"academic_year"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// ClassSectionDetail extends ClassSection with teacher info and seat usage.
type ClassSectionDetail struct {
	ClassSection
	TeacherName string `db:"teacher_name" json:"teacher_name"`
	ActiveCount int    `db:"active_count" json:"active_count"`
}

package models

import "time"

// Assignment belongs to one class section.
type Assignment struct {
	ID             string    `db:"id" json:"id"`
	ClassID        string    `db:"class_id" json:"class_id"`
	Title          string    `db:"title" json:"title"`
	PointsPossible float64   `db:"points_possible" json:"points_possible"`
	DueDate        time.Time `db:"due_date" json:"due_date"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Submission relates a student to an assignment, at most one per pair.
type Submission struct {
	ID           string    `db:"id" json:"id"`
	AssignmentID string    `db:"assignment_id" json:"assignment_id"`
	StudentID    string    `db:"student_id" json:"student_id"`
	SubmittedAt  time.Time `db:"submitted_at" json:"submitted_at"`
	Late         bool      `db:"late" json:"late"`
}

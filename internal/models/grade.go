package models

import "time"

// Grade is the derived record for one scored submission. Percentage and
// letter grade are always computed from the points columns, never set
// independently.
type Grade struct {
	ID             string    `db:"id" json:"id"`
	SubmissionID   string    `db:"submission_id" json:"submission_id"`
	StudentID      string    `db:"student_id" json:"student_id"`
	AssignmentID   string    `db:"assignment_id" json:"assignment_id"`
	ClassID        string    `db:"class_id" json:"class_id"`
	PointsEarned   float64   `db:"points_earned" json:"points_earned"`
	PointsPossible float64   `db:"points_possible" json:"points_possible"`
	Percentage     float64   `db:"percentage" json:"percentage"`
	LetterGrade    string    `db:"letter_grade" json:"letter_grade"`
	Comments       *string   `db:"comments" json:"comments,omitempty"`
	GradedBy       string    `db:"graded_by" json:"graded_by"`
	GradedAt       time.Time `db:"graded_at" json:"graded_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// GradeUpdate lists the only externally mutable grade fields. Anything
// derived is recomputed, never accepted from a caller.
type GradeUpdate struct {
	PointsEarned *float64 `json:"points_earned,omitempty"`
	Comments     *string  `json:"comments,omitempty"`
}

// Empty reports whether the update carries no settable field.
func (u GradeUpdate) Empty() bool {
	return u.PointsEarned == nil && u.Comments == nil
}

// GradeFilter scopes grade queries.
type GradeFilter struct {
	StudentID    string
	ClassID      string
	AcademicYear string
}

type letterBand struct {
	Floor  float64
	Letter string
}

// letterBands maps percentage floors to letter grades, highest first.
// Inclusive lower bounds; anything below the last floor is an F.
var letterBands = []letterBand{
	{97, "A+"},
	{93, "A"},
	{90, "A-"},
	{87, "B+"},
	{83, "B"},
	{80, "B-"},
	{77, "C+"},
	{73, "C"},
	{70, "C-"},
	{67, "D+"},
	{63, "D"},
	{60, "D-"},
}

// LetterGradeFor returns the letter grade for a percentage. The banding
// is total: out-of-range percentages fall into the extreme bands. Every
// percentage-producing path in the system goes through this function.
func LetterGradeFor(percentage float64) string {
	for _, band := range letterBands {
		if percentage >= band.Floor {
			return band.Letter
		}
	}
	return "F"
}

// LetterGrades returns all letters in banding order, F last. Used to
// build complete distributions including empty bands.
func LetterGrades() []string {
	letters := make([]string, 0, len(letterBands)+1)
	for _, band := range letterBands {
		letters = append(letters, band.Letter)
	}
	return append(letters, "F")
}

// PercentageFor converts earned/possible points into a percentage,
// treating a non-positive denominator as zero.
func PercentageFor(pointsEarned, pointsPossible float64) float64 {
	if pointsPossible <= 0 {
		return 0
	}
	return pointsEarned / pointsPossible * 100
}

// RecomputeDerived refreshes the derived columns from the points columns.
func (g *Grade) RecomputeDerived() {
	g.Percentage = PercentageFor(g.PointsEarned, g.PointsPossible)
	g.LetterGrade = LetterGradeFor(g.Percentage)
}

// ClassStatistics aggregates grade percentages for one class.
type ClassStatistics struct {
	ClassID      string             `json:"class_id"`
	Count        int                `json:"count"`
	Mean         float64            `json:"mean"`
	Min          float64            `json:"min"`
	Max          float64            `json:"max"`
	StdDev       float64            `json:"std_dev"`
	Distribution map[string]float64 `json:"distribution"`
}

// StudentGPA holds the mean percentage of a student's grades in scope.
// GPA is nil, not zero, when no grades match.
type StudentGPA struct {
	StudentID    string   `json:"student_id"`
	ClassID      string   `json:"class_id,omitempty"`
	AcademicYear string   `json:"academic_year,omitempty"`
	GPA          *float64 `json:"gpa"`
	LetterGrade  *string  `json:"letter_grade"`
	GradeCount   int      `json:"grade_count"`
}

// ProgressPoint is one chronological grade annotated with the running mean.
type ProgressPoint struct {
	Grade          Grade   `json:"grade"`
	CumulativeMean float64 `json:"cumulative_mean"`
}

// StudentStanding ranks one student by mean percentage within a class.
// Students without grades carry status "no_grades" and a nil average.
type StudentStanding struct {
	StudentID   string   `db:"student_id" json:"student_id"`
	StudentName string   `db:"student_name" json:"student_name"`
	Average     *float64 `db:"average" json:"average"`
	GradeCount  int      `db:"grade_count" json:"grade_count"`
	Status      string   `json:"status"`
}

// Standing statuses.
const (
	StandingGraded   = "graded"
	StandingNoGrades = "no_grades"
)

// TranscriptEntry summarises a student's performance in one class.
type TranscriptEntry struct {
	ClassID      string  `db:"class_id" json:"class_id"`
	ClassName    string  `db:"class_name" json:"class_name"`
	AcademicYear string  `db:"academic_year" json:"academic_year"`
	Average      float64 `db:"average" json:"average"`
	LetterGrade  string  `json:"letter_grade"`
	GradeCount   int     `db:"grade_count" json:"grade_count"`
}

// Transcript is the per-class rollup plus overall GPA for a period.
type Transcript struct {
	StudentID    string            `json:"student_id"`
	AcademicYear string            `json:"academic_year,omitempty"`
	Entries      []TranscriptEntry `json:"entries"`
	GPA          *float64          `json:"gpa"`
	LetterGrade  *string           `json:"letter_grade"`
}

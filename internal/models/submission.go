package models

import (
	"fmt"
	"strings"

	"github.com/noah-isme/gema-grader/pkg/extract"
)

// ArchiveLayout selects how student identities are read from archive paths.
type ArchiveLayout string

const (
	// LayoutAuto sniffs the layout from the archive structure.
	LayoutAuto ArchiveLayout = ""
	// LayoutFlat treats the first folder of every path as the student.
	LayoutFlat ArchiveLayout = "flat"
	// LayoutMoodle reads Name_ID_assignsubmission_* folders exported by Moodle.
	LayoutMoodle ArchiveLayout = "moodle"
)

// ParseArchiveLayout validates a layout hint. Empty and "auto" both mean sniffing.
func ParseArchiveLayout(value string) (ArchiveLayout, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		return LayoutAuto, nil
	case string(LayoutFlat):
		return LayoutFlat, nil
	case string(LayoutMoodle):
		return LayoutMoodle, nil
	default:
		return "", fmt.Errorf("unknown archive layout %q", value)
	}
}

// SubmissionArchive is the uploaded batch of student work.
type SubmissionArchive struct {
	Name    string
	Content []byte
	Layout  ArchiveLayout
}

// SubmissionFile is one document attributed to a student.
type SubmissionFile struct {
	Name    string
	Content []byte
	Format  extract.Format
}

// StudentSubmission groups the files of a single student, in archive order.
type StudentSubmission struct {
	StudentID string
	Files     []SubmissionFile
}

// FileNames lists the submission files in order.
func (s StudentSubmission) FileNames() []string {
	names := make([]string, 0, len(s.Files))
	for _, file := range s.Files {
		names = append(names, file.Name)
	}
	return names
}

package service

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/pkg/extract"
)

// DefaultMaxUncompressedBytes bounds the total inflated size of an archive.
const DefaultMaxUncompressedBytes int64 = 1 << 30

// moodleFolder matches a whole "Student Name_1234567_assignsubmission_file"
// folder name and its bare onlinetext/file variants, capturing the student name.
var moodleFolder = regexp.MustCompile(`^(.+?)_\d+_(?:assignsubmission_\w+|onlinetext|file)$`)

// ArchiveNormalizer resolves an uploaded zip into per-student submissions.
type ArchiveNormalizer struct {
	maxUncompressed int64
	logger          zerolog.Logger
}

// NewArchiveNormalizer builds a normalizer. A non-positive limit selects DefaultMaxUncompressedBytes.
func NewArchiveNormalizer(maxUncompressedBytes int64, logger zerolog.Logger) *ArchiveNormalizer {
	if maxUncompressedBytes <= 0 {
		maxUncompressedBytes = DefaultMaxUncompressedBytes
	}
	return &ArchiveNormalizer{
		maxUncompressed: maxUncompressedBytes,
		logger:          logger.With().Str("component", "archive_normalizer").Logger(),
	}
}

type archiveEntry struct {
	file     *zip.File
	segments []string
	dir      bool
}

// MoodleStudentName extracts the student name from a Moodle submission folder.
func MoodleStudentName(folder string) (string, bool) {
	match := moodleFolder.FindStringSubmatch(folder)
	if match == nil {
		return "", false
	}
	name := strings.TrimSpace(match[1])
	return name, name != ""
}

// Normalize returns one StudentSubmission per student folder, in the order
// students first appear in the archive.
func (n *ArchiveNormalizer) Normalize(archive models.SubmissionArchive) ([]models.StudentSubmission, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive.Content), int64(len(archive.Content)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveFormat, err)
	}

	var total uint64
	for _, file := range reader.File {
		total += file.UncompressedSize64
	}
	if total > uint64(n.maxUncompressed) {
		return nil, fmt.Errorf("%w: uncompressed size %d exceeds limit %d", ErrArchiveFormat, total, n.maxUncompressed)
	}

	entries := collectEntries(reader.File)

	layout := archive.Layout
	if layout == models.LayoutAuto {
		layout = sniffLayout(entries)
	}

	students, err := n.group(entries, layout)
	if err != nil {
		return nil, err
	}
	if len(students) == 0 {
		return nil, fmt.Errorf("%w: no student folders found", ErrArchiveFormat)
	}

	n.logger.Info().
		Str("archive", archive.Name).
		Str("layout", string(layout)).
		Int("students", len(students)).
		Msg("archive normalized")

	return students, nil
}

func collectEntries(files []*zip.File) []archiveEntry {
	entries := make([]archiveEntry, 0, len(files))
	for _, file := range files {
		name := strings.ReplaceAll(file.Name, "\\", "/")
		dir := file.FileInfo().IsDir() || strings.HasSuffix(name, "/")

		var segments []string
		for _, segment := range strings.Split(name, "/") {
			if segment == "" || segment == "." {
				continue
			}
			segments = append(segments, segment)
		}
		if len(segments) == 0 || skipSegments(segments) {
			continue
		}
		if !dir && len(segments) < 2 {
			continue
		}
		entries = append(entries, archiveEntry{file: file, segments: segments, dir: dir})
	}
	return entries
}

// skipSegments drops macOS resource forks and hidden files or folders.
func skipSegments(segments []string) bool {
	for _, segment := range segments {
		if segment == "__MACOSX" || strings.HasPrefix(segment, ".") {
			return true
		}
	}
	return false
}

// sniffLayout reports moodle when any folder on any path carries Moodle naming.
func sniffLayout(entries []archiveEntry) models.ArchiveLayout {
	for _, entry := range entries {
		for _, folder := range entry.folders() {
			if _, ok := MoodleStudentName(folder); ok {
				return models.LayoutMoodle
			}
		}
	}
	return models.LayoutFlat
}

func (e archiveEntry) folders() []string {
	if e.dir {
		return e.segments
	}
	return e.segments[:len(e.segments)-1]
}

// resolveStudent maps an entry to its student id and the index of the
// student folder within the entry's segments.
func resolveStudent(entry archiveEntry, layout models.ArchiveLayout, root string) (string, int, bool) {
	folders := entry.folders()
	if layout == models.LayoutMoodle {
		for i, folder := range folders {
			if name, ok := MoodleStudentName(folder); ok {
				return name, i, true
			}
		}
		// Unmatched folders below the shared assignment folder still name a student.
		start := 0
		if root != "" && len(folders) > 0 && folders[0] == root {
			start = 1
		}
		if start < len(folders) {
			return strings.TrimSpace(folders[start]), start, true
		}
		return "", 0, false
	}

	if len(folders) == 0 {
		return "", 0, false
	}
	return strings.TrimSpace(folders[0]), 0, true
}

// sharedRoot returns the top-level folder common to every entry, if any.
func sharedRoot(entries []archiveEntry) string {
	root := ""
	for _, entry := range entries {
		if len(entry.folders()) == 0 {
			return ""
		}
		top := entry.segments[0]
		if root == "" {
			root = top
			continue
		}
		if top != root {
			return ""
		}
	}
	return root
}

func (n *ArchiveNormalizer) group(entries []archiveEntry, layout models.ArchiveLayout) ([]models.StudentSubmission, error) {
	root := ""
	if layout == models.LayoutMoodle {
		root = sharedRoot(entries)
	}

	index := make(map[string]int)
	var students []models.StudentSubmission

	for _, entry := range entries {
		studentID, folderIdx, ok := resolveStudent(entry, layout, root)
		if !ok || studentID == "" {
			continue
		}

		pos, seen := index[studentID]
		if !seen {
			pos = len(students)
			index[studentID] = pos
			students = append(students, models.StudentSubmission{StudentID: studentID})
		}

		if entry.dir {
			continue
		}

		name := path.Join(entry.segments[folderIdx+1:]...)
		content, err := readEntry(entry.file)
		if err != nil {
			n.logger.Warn().Err(err).Str("student_id", studentID).Str("file", name).Msg("failed to read archive entry")
			students[pos].Files = append(students[pos].Files, models.SubmissionFile{Name: name, Format: extract.FormatUnknown})
			continue
		}

		students[pos].Files = append(students[pos].Files, models.SubmissionFile{
			Name:    name,
			Content: content,
			Format:  extract.DetectFormat(name, content),
		})
	}

	return students, nil
}

func readEntry(file *zip.File) ([]byte, error) {
	reader, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(io.LimitReader(reader, int64(file.UncompressedSize64)+1))
}

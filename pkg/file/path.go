package file

import (
	"os"
	"path/filepath"
	"strings"
)

// ReplaceExt swaps the extension of a path, keeping the directory part.
func ReplaceExt(path, ext string) string {
	if path == "" {
		return path
	}

	dir := filepath.Dir(path)
	filename := filepath.Base(path)

	lastDot := strings.LastIndex(filename, ".")

	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	if lastDot <= 0 {
		return filepath.Join(dir, filename+ext)
	}

	return filepath.Join(dir, filename[:lastDot]+ext)
}

// OwnerJobID derives the owning job id from an artifact filename.
// Artifacts are stored as <jobID>.<ext>; an extensionless name is its own id.
func OwnerJobID(name string) string {
	base := filepath.Base(name)
	if lastDot := strings.LastIndex(base, "."); lastDot > 0 {
		return base[:lastDot]
	}
	return base
}

// CountFiles returns the number of regular files directly inside dir.
// A missing directory counts as empty.
func CountFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			count++
		}
	}
	return count
}

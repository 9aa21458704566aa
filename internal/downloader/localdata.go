package downloader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"bitlynq/internal/domain"
)

// removeLocalData deletes the payload of a job the engine no longer holds.
// Only paths strictly inside the job's save path are touched.
func removeLocalData(job *domain.Job) []string {
	if job == nil || job.SavePath == "" || job.Name == "" {
		return nil
	}
	root := filepath.Clean(job.SavePath)
	target := filepath.Clean(filepath.Join(root, job.Name))
	if rel, err := filepath.Rel(root, target); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return []string{fmt.Sprintf("refusing to remove %s outside %s", target, root)}
	}
	if err := os.RemoveAll(target); err != nil && !os.IsNotExist(err) {
		return []string{fmt.Sprintf("remove local data %s: %v", target, err)}
	}
	return nil
}

// Package paths centralizes the pipeline's on-disk filesystem layout.
package paths

import (
	"os"
	"path/filepath"
)

// Paths holds the directories the pipeline reads from and writes to.
type Paths struct {
	Root      string // data/
	DB        string // data/db
	Uploads   string // data/uploads
	Downloads string // data/downloads
}

// New derives the standard layout rooted at root.
func New(root string) *Paths {
	return &Paths{
		Root:      root,
		DB:        filepath.Join(root, "db"),
		Uploads:   filepath.Join(root, "uploads"),
		Downloads: filepath.Join(root, "downloads"),
	}
}

// EnsureDirectories creates every directory in the layout.
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.Root, p.DB, p.Uploads, p.Downloads}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// DownloadPath builds the destination path for a completed download.
func (p *Paths) DownloadPath(platform string, jobID int64, videoID string) string {
	if videoID == "" {
		videoID = "unknown"
	}
	name := platform + "_" + itoa(jobID) + "_" + videoID + ".mp4"
	return filepath.Join(p.Downloads, name)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SourceFrame is one frame handed to the batch handler
type SourceFrame struct {
	ID   int
	Data []byte
}

// VideoSource yields the frames of an uploaded video. Frame extraction
// happens upstream; the pipeline only consumes the extracted frames.
type VideoSource interface {
	TotalFrames() int
	ReadFrame(frameID int) ([]byte, error)
}

// cleanupSource is implemented by sources backed by temporary files
type cleanupSource interface {
	Cleanup() error
}

// DirectorySource reads extracted frames from a directory of image files,
// ordered by file name. The extractor writes zero-padded names so lexical
// order is frame order.
type DirectorySource struct {
	dir   string
	files []string
}

// NewDirectorySource scans dir for frame images
func NewDirectorySource(dir string) (*DirectorySource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".png", ".jpg", ".jpeg":
			files = append(files, entry.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no frame images in %s", dir)
	}
	sort.Strings(files)
	return &DirectorySource{dir: dir, files: files}, nil
}

// TotalFrames returns the number of frames found
func (s *DirectorySource) TotalFrames() int {
	return len(s.files)
}

// ReadFrame returns the encoded bytes of one frame
func (s *DirectorySource) ReadFrame(frameID int) ([]byte, error) {
	if frameID < 0 || frameID >= len(s.files) {
		return nil, fmt.Errorf("frame %d out of range [0, %d)", frameID, len(s.files))
	}
	return os.ReadFile(filepath.Join(s.dir, s.files[frameID]))
}

// Cleanup removes the extracted frame directory
func (s *DirectorySource) Cleanup() error {
	return os.RemoveAll(s.dir)
}

var _ VideoSource = (*DirectorySource)(nil)
var _ cleanupSource = (*DirectorySource)(nil)

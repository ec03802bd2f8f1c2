package batch

import (
	"crypto/md5"
	"encoding/hex"
	"image"

	"golang.org/x/image/draw"
)

const (
	// hashSide is the edge length frames are scaled to before hashing
	hashSide = 32

	// similarityThreshold is the hash similarity above which two frames are
	// treated as duplicates.
	similarityThreshold = 0.8

	// historyWindow is how many recent hashes a deduper compares against
	historyWindow = 30
)

// PerceptualHash reduces a frame to a 32x32 greyscale thumbnail and hashes
// its pixels. Frames differing only in noise or compression artefacts land
// on nearby hashes; identical content lands on the same one.
func PerceptualHash(img image.Image) string {
	thumb := image.NewGray(image.Rect(0, 0, hashSide, hashSide))
	draw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), img, img.Bounds(), draw.Src, nil)
	sum := md5.Sum(thumb.Pix)
	return hex.EncodeToString(sum[:])
}

// Deduper matches frames against recent history by perceptual hash and
// remembers which frame each hash first appeared on, so a duplicate can
// inherit the original's results. Not safe for concurrent use; each segment
// worker owns one.
type Deduper struct {
	history []dedupEntry
}

type dedupEntry struct {
	hash    string
	frameID int
}

// NewDeduper creates an empty deduper
func NewDeduper() *Deduper {
	return &Deduper{}
}

// Check matches the hash against the recent window, either exactly or above
// the similarity threshold, and returns the frame the match was first seen
// on. Novel hashes join the window under frameID.
func (d *Deduper) Check(hash string, frameID int) (originalFrameID int, dup bool) {
	for _, prev := range d.history {
		if prev.hash == hash || similarity(prev.hash, hash) >= similarityThreshold {
			return prev.frameID, true
		}
	}
	d.history = append(d.history, dedupEntry{hash: hash, frameID: frameID})
	if len(d.history) > historyWindow {
		d.history = d.history[len(d.history)-historyWindow:]
	}
	return 0, false
}

// similarity is the fraction of positions where two equal-length hash
// strings agree. Different lengths never match.
func similarity(a, b string) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	same := 0
	for i := 0; i < len(a); i++ {
		if a[i] == b[i] {
			same++
		}
	}
	return float64(same) / float64(len(a))
}

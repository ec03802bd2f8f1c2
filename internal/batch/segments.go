package batch

import "fmt"

// Segment is a contiguous slice of a video's frames processed as one unit
type Segment struct {
	Index      int `json:"index"`
	StartFrame int `json:"start_frame"`
	EndFrame   int `json:"end_frame"` // exclusive
}

// FrameCount returns the number of frames in the segment
func (s Segment) FrameCount() int {
	return s.EndFrame - s.StartFrame
}

// String returns "segment 2 [600, 900)"
func (s Segment) String() string {
	return fmt.Sprintf("segment %d [%d, %d)", s.Index, s.StartFrame, s.EndFrame)
}

// SplitSegments carves totalFrames into segments of at most segmentSize
// frames. The last segment absorbs the remainder and may be shorter.
func SplitSegments(totalFrames, segmentSize int) []Segment {
	if totalFrames <= 0 {
		return nil
	}
	if segmentSize <= 0 {
		segmentSize = 300
	}
	n := (totalFrames + segmentSize - 1) / segmentSize
	segments := make([]Segment, 0, n)
	for i := 0; i < n; i++ {
		start := i * segmentSize
		end := start + segmentSize
		if end > totalFrames {
			end = totalFrames
		}
		segments = append(segments, Segment{Index: i, StartFrame: start, EndFrame: end})
	}
	return segments
}

package mp4

import "reelcast/internal/types"

// reorder holds media frames until every expected track has caught up, then
// releases them in PTS order. Video and audio arrive as separately ordered
// streams, so a frame is safe to release once no track can still produce an
// earlier one.
type reorder struct {
	frames  []*types.EncodedFrame // sorted by PTS, stable
	last    map[bool]int64        // keyed by isVideo
	tracks  int
	maxSize int
}

func newReorder(tracks, maxSize int) *reorder {
	return &reorder{
		last:    make(map[bool]int64, 2),
		tracks:  tracks,
		maxSize: maxSize,
	}
}

func (r *reorder) push(f *types.EncodedFrame) {
	r.last[f.IsVideo()] = f.PTS
	i := len(r.frames)
	for i > 0 && r.frames[i-1].PTS > f.PTS {
		i--
	}
	r.frames = append(r.frames, nil)
	copy(r.frames[i+1:], r.frames[i:])
	r.frames[i] = f
}

// ready pops the frames no track can precede any more, plus the oldest
// frames beyond maxSize.
func (r *reorder) ready() []*types.EncodedFrame {
	n := 0
	if len(r.last) >= r.tracks {
		mark := int64(-1)
		for _, pts := range r.last {
			if mark < 0 || pts < mark {
				mark = pts
			}
		}
		for n < len(r.frames) && r.frames[n].PTS <= mark {
			n++
		}
	}
	if over := len(r.frames) - r.maxSize; over > n {
		n = over
	}
	return r.take(n)
}

// drain pops everything.
func (r *reorder) drain() []*types.EncodedFrame { return r.take(len(r.frames)) }

func (r *reorder) take(n int) []*types.EncodedFrame {
	if n == 0 {
		return nil
	}
	out := append([]*types.EncodedFrame(nil), r.frames[:n]...)
	r.frames = append(r.frames[:0], r.frames[n:]...)
	return out
}

func (r *reorder) len() int { return len(r.frames) }

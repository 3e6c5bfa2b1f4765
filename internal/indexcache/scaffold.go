package indexcache

import "github.com/oicur0t/smlog/internal/conversation"

// Line markers stored in Scaffold.Lines
const (
	NoKey    int32 = -1
	Boundary int32 = -2
)

// Scaffold is the pattern-independent correlation of one target: for every
// line either an index into Keys, Boundary or NoKey.
type Scaffold struct {
	Keys  []string
	Lines []int32
}

// Len returns the number of recorded lines
func (s *Scaffold) Len() int { return len(s.Lines) }

// Class returns the correlation class of the i-th line (0-based)
func (s *Scaffold) Class(i int) conversation.Class {
	switch v := s.Lines[i]; v {
	case NoKey:
		return conversation.Class{}
	case Boundary:
		return conversation.Class{Boundary: true}
	default:
		return conversation.Class{Key: s.Keys[v], HasKey: true}
	}
}

// Size approximates the memory held by the scaffold in bytes
func (s *Scaffold) Size() int64 {
	n := int64(len(s.Lines)) * 4
	for _, k := range s.Keys {
		n += int64(len(k)) + 16
	}
	return n
}

// Recorder accumulates a scaffold while a target is scanned
type Recorder struct {
	index map[string]int32
	s     Scaffold
	size  int64
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{index: make(map[string]int32)}
}

// Record appends the class of the next line
func (r *Recorder) Record(c conversation.Class) {
	r.size += 4
	switch {
	case c.HasKey:
		i, ok := r.index[c.Key]
		if !ok {
			i = int32(len(r.s.Keys))
			r.index[c.Key] = i
			r.s.Keys = append(r.s.Keys, c.Key)
			r.size += int64(len(c.Key)) + 16
		}
		r.s.Lines = append(r.s.Lines, i)
	case c.Boundary:
		r.s.Lines = append(r.s.Lines, Boundary)
	default:
		r.s.Lines = append(r.s.Lines, NoKey)
	}
}

// Size approximates the bytes recorded so far
func (r *Recorder) Size() int64 { return r.size }

// Scaffold returns the recorded scaffold. The recorder must not be used afterwards.
func (r *Recorder) Scaffold() *Scaffold {
	s := r.s
	return &s
}

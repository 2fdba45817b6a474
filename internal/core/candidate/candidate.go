// Package candidate builds the ordered candidate key space.
//
// A key is a 64-bit value laid out as 32 bits of unix seconds, 10 bits of
// milliseconds, then every other bit segment in ascending interval order.
// Timestamps are enumerated at one millisecond resolution and combined with
// every observed value of the other segments.
package candidate

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
)

const (
	secondsBits      = 32
	millisecondsBits = 10
	timestampBits    = secondsBits + millisecondsBits
	keyBits          = 64
)

// Interval is an inclusive bit range within the key.
type Interval struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

// Width is the number of bits the interval spans.
func (i Interval) Width() int { return i.Hi - i.Lo + 1 }

func (i Interval) String() string { return fmt.Sprintf("(%d, %d)", i.Lo, i.Hi) }

// millisecondInterval is regenerated from the timestamp, so observed values are ignored.
var millisecondInterval = Interval{Lo: 0, Hi: 9}

// Segment is one non-timestamp bit interval and the values seen in it.
type Segment struct {
	Interval Interval
	Values   []uint64
}

// Space is the set of non-timestamp segments a generation strategy enumerates.
type Space struct {
	Segments []Segment
}

// LoadCombinations reads a combinations file.
func LoadCombinations(path string) (*Space, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read combinations: %w", err)
	}
	return ParseCombinations(data)
}

// ParseCombinations decodes a JSON object mapping "(lo, hi)" to the values
// observed in that bit interval.
func ParseCombinations(data []byte) (*Space, error) {
	var raw map[string][]uint64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse combinations: %v", domain.ErrConfig, err)
	}

	s := &Space{}
	width := timestampBits
	for key, values := range raw {
		iv, err := parseInterval(key)
		if err != nil {
			return nil, err
		}
		if iv == millisecondInterval {
			continue
		}
		for _, v := range values {
			if v>>iv.Width() != 0 {
				return nil, fmt.Errorf("%w: value %d does not fit interval %s", domain.ErrConfig, v, iv)
			}
		}
		width += iv.Width()
		s.Segments = append(s.Segments, Segment{Interval: iv, Values: values})
	}
	if width > keyBits {
		return nil, fmt.Errorf("%w: segments span %d bits, keys have %d", domain.ErrConfig, width, keyBits)
	}

	sort.Slice(s.Segments, func(i, j int) bool {
		return s.Segments[i].Interval.Lo < s.Segments[j].Interval.Lo
	})
	return s, nil
}

func parseInterval(key string) (Interval, error) {
	parts := strings.Split(strings.Trim(key, "()"), ",")
	if len(parts) != 2 {
		return Interval{}, fmt.Errorf("%w: invalid interval %q", domain.ErrConfig, key)
	}
	lo, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Interval{}, fmt.Errorf("%w: invalid interval %q: %v", domain.ErrConfig, key, err)
	}
	hi, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Interval{}, fmt.Errorf("%w: invalid interval %q: %v", domain.ErrConfig, key, err)
	}
	if hi < lo {
		return Interval{}, fmt.Errorf("%w: invalid interval %q", domain.ErrConfig, key)
	}
	return Interval{Lo: lo, Hi: hi}, nil
}

// Intervals lists the enumerated intervals in key order.
func (s *Space) Intervals() []Interval {
	out := make([]Interval, len(s.Segments))
	for i, seg := range s.Segments {
		out[i] = seg.Interval
	}
	return out
}

// PerTimestamp is the number of keys generated for each millisecond.
func (s *Space) PerTimestamp() int {
	n := 1
	for _, seg := range s.Segments {
		n *= len(seg.Values)
	}
	return n
}

// Generate enumerates every key in [start, start+window) at millisecond steps.
// Timestamps vary slowest and the last segment fastest.
func (s *Space) Generate(start time.Time, window time.Duration) []domain.Candidate {
	steps := int(window / time.Millisecond)
	if steps <= 0 {
		return nil
	}

	suffixes := s.suffixes()
	shift := 0
	for _, seg := range s.Segments {
		shift += seg.Interval.Width()
	}

	out := make([]domain.Candidate, 0, steps*len(suffixes))
	for i := range steps {
		ts := timestamp(start.Add(time.Duration(i) * time.Millisecond))
		for _, suffix := range suffixes {
			out = append(out, domain.Candidate(ts<<shift|suffix))
		}
	}
	return out
}

// suffixes is the cartesian product of segment values, packed in key order.
func (s *Space) suffixes() []uint64 {
	acc := []uint64{0}
	for _, seg := range s.Segments {
		w := seg.Interval.Width()
		next := make([]uint64, 0, len(acc)*len(seg.Values))
		for _, prefix := range acc {
			for _, v := range seg.Values {
				next = append(next, prefix<<w|v)
			}
		}
		acc = next
	}
	return acc
}

// timestamp packs unix seconds and milliseconds into 42 bits.
func timestamp(t time.Time) uint64 {
	secs := uint64(t.Unix()) & (1<<secondsBits - 1)
	ms := uint64(t.Nanosecond() / int(time.Millisecond))
	return secs<<millisecondsBits | ms
}

package hls

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

// ErrParse marks every error returned for malformed or non-conformant playlists.
var ErrParse = errors.New("hls: parse error")

// ParseError describes why a playlist could not be parsed.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("hls: line %d: %s", e.Line, e.Reason)
	}
	return "hls: " + e.Reason
}

// Is reports ErrParse so callers can classify without a type assertion.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// Playlist is either a *MasterPlaylist or a *MediaPlaylist.
type Playlist interface {
	playlist()
}

// Stream is one variant of a master playlist.
type Stream struct {
	URL        string
	Bandwidth  int64
	Codecs     string
	Resolution string
}

// MasterPlaylist lists alternative media playlists.
type MasterPlaylist struct {
	URL     string
	Streams []Stream
}

func (*MasterPlaylist) playlist() {}

// Best returns the stream with the highest bandwidth. Ties resolve to the
// first stream encountered.
func (m *MasterPlaylist) Best() (Stream, error) {
	if len(m.Streams) == 0 {
		return Stream{}, &ParseError{Reason: "master playlist has no streams"}
	}
	best := m.Streams[0]
	for _, s := range m.Streams[1:] {
		if s.Bandwidth > best.Bandwidth {
			best = s
		}
	}
	return best, nil
}

// Key is the encryption state active for a segment.
type Key struct {
	Method string
	URI    string
	IV     string
}

// Segment is one addressable media unit of a media playlist.
type Segment struct {
	URL      string
	Sequence int
	// Duration in seconds. Zero for initialization segments.
	Duration        float64
	Initial         bool
	Key             *Key
	Discontinuity   bool
	ProgramDateTime time.Time
}

// Encrypted reports whether the segment must be decrypted after download.
func (s Segment) Encrypted() bool {
	return s.Key != nil && s.Key.Method != "" && s.Key.Method != MethodNone
}

// DefaultName is the staged file name used when no naming hook is installed.
// It is unique within a playlist and stable across live refetches.
func (s Segment) DefaultName() string {
	base := "segment.ts"
	if u, err := url.Parse(s.URL); err == nil {
		if b := path.Base(u.Path); b != "" && b != "." && b != "/" {
			base = b
		}
	}
	if s.Initial {
		return "init_" + base
	}
	return fmt.Sprintf("%d_%s", s.Sequence, base)
}

// MediaPlaylist is the ordered segment list of one rendition.
type MediaPlaylist struct {
	URL            string
	Segments       []Segment
	InitSegment    *Segment
	EncryptKeys    []string
	IsEnd          bool
	VOD            bool
	MediaSequence  int
	TargetDuration float64

	aggOnce sync.Once
	total   float64
	average float64
}

func (*MediaPlaylist) playlist() {}

// IsLive reports whether the playlist is a sliding window that must be refetched.
func (m *MediaPlaylist) IsLive() bool {
	return !m.IsEnd
}

func (m *MediaPlaylist) aggregate() {
	m.aggOnce.Do(func() {
		for _, s := range m.Segments {
			m.total += s.Duration
		}
		if len(m.Segments) > 0 {
			m.average = m.total / float64(len(m.Segments))
		}
	})
}

// TotalDuration is the sum of all segment durations in seconds. It is
// computed on first use and cached for the lifetime of the value.
func (m *MediaPlaylist) TotalDuration() float64 {
	m.aggregate()
	return m.total
}

// AverageDuration is the mean segment duration in seconds, cached like TotalDuration.
func (m *MediaPlaylist) AverageDuration() float64 {
	m.aggregate()
	return m.average
}

// Method values of EXT-X-KEY.
const (
	MethodNone      = "NONE"
	MethodAES128    = "AES-128"
	MethodSampleAES = "SAMPLE-AES"
)

// StripQuery removes the query string and fragment of a URL.
func StripQuery(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}

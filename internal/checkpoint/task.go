// Package checkpoint persists archive download progress so an interrupted
// task can be resumed where it stopped.
package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/Last-Order/Minyami-sub000/internal/hls"
	"github.com/Last-Order/Minyami-sub000/internal/scheduler"
)

// Task is the persisted state of one archive download.
type Task struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	TempDir    string `json:"tempDir"`
	OutputPath string `json:"outputPath"`
	Threads    int    `json:"threads"`
	// Key and IV are user overrides, hex encoded.
	Key    string `json:"key,omitempty"`
	IV     string `json:"iv,omitempty"`
	Format string `json:"format"`
	Slice  string `json:"slice,omitempty"`

	AllSegments []Unit   `json:"allSegments"`
	Pending     []Unit   `json:"pending"`
	Finished    []string `json:"finished"`

	DownloadedBytes   int64   `json:"downloadedBytes"`
	DownloadedSeconds float64 `json:"downloadedSeconds"`
	TotalSegments     int     `json:"totalSegments"`

	Retries int               `json:"retries"`
	Timeout time.Duration     `json:"timeout"`
	Proxy   string            `json:"proxy,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Keys holds key material resolved so far, by locator.
	Keys map[string]string `json:"keys,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		c := *t
		return &c
	}
	var c Task
	if err := json.Unmarshal(b, &c); err != nil {
		c = *t
	}
	return &c
}

// FinishedSet returns Finished as a lookup set.
func (t *Task) FinishedSet() map[string]bool {
	out := make(map[string]bool, len(t.Finished))
	for _, n := range t.Finished {
		out[n] = true
	}
	return out
}

// Segment is the persisted form of one scheduler task.
type Segment struct {
	Name      string  `json:"name"`
	Index     int     `json:"index"`
	URL       string  `json:"url"`
	Sequence  int     `json:"sequence"`
	Duration  float64 `json:"duration"`
	Initial   bool    `json:"initial,omitempty"`
	KeyMethod string  `json:"keyMethod,omitempty"`
	KeyURI    string  `json:"keyUri,omitempty"`
	KeyIV     string  `json:"keyIv,omitempty"`
	Retries   int     `json:"retries,omitempty"`
}

// Unit is one queue entry: a single segment, or a group when Group is set.
type Unit struct {
	Group    bool      `json:"group,omitempty"`
	Segments []Segment `json:"segments"`
}

// TaskID derives the checkpoint id from the source URL.
func TaskID(rawURL string) string {
	return hls.StripQuery(rawURL)
}

// BuildPending removes finished segments from all. Groups keep only their
// unfinished members and are dropped once every member finished.
func BuildPending(all []Unit, finished map[string]bool) []Unit {
	out := make([]Unit, 0, len(all))
	for _, u := range all {
		var rest []Segment
		for _, s := range u.Segments {
			if !finished[s.Name] {
				rest = append(rest, s)
			}
		}
		if len(rest) == 0 {
			continue
		}
		out = append(out, Unit{Group: u.Group, Segments: rest})
	}
	return out
}

func fromTask(t *scheduler.Task) Segment {
	s := Segment{
		Name:     t.Name,
		Index:    t.Index,
		URL:      t.Segment.URL,
		Sequence: t.Segment.Sequence,
		Duration: t.Segment.Duration,
		Initial:  t.Segment.Initial,
		Retries:  t.Retries,
	}
	if k := t.Segment.Key; k != nil {
		s.KeyMethod, s.KeyURI, s.KeyIV = k.Method, k.URI, k.IV
	}
	return s
}

func (s Segment) task() *scheduler.Task {
	seg := hls.Segment{
		URL:      s.URL,
		Sequence: s.Sequence,
		Duration: s.Duration,
		Initial:  s.Initial,
	}
	if s.KeyMethod != "" {
		seg.Key = &hls.Key{Method: s.KeyMethod, URI: s.KeyURI, IV: s.KeyIV}
	}
	return &scheduler.Task{Name: s.Name, Segment: seg, Index: s.Index, Retries: s.Retries}
}

// FromUnits converts scheduler queue entries to their persisted form.
func FromUnits(units []scheduler.Unit) []Unit {
	out := make([]Unit, 0, len(units))
	for _, u := range units {
		switch v := u.(type) {
		case *scheduler.Task:
			out = append(out, Unit{Segments: []Segment{fromTask(v)}})
		case *scheduler.Group:
			pu := Unit{Group: true, Segments: make([]Segment, 0, len(v.Tasks))}
			for _, t := range v.Tasks {
				pu.Segments = append(pu.Segments, fromTask(t))
			}
			out = append(out, pu)
		}
	}
	return out
}

// ToUnits rebuilds scheduler queue entries one to one. Groups get actions
// attached since actions are never persisted.
func ToUnits(units []Unit, actions []scheduler.Action) []scheduler.Unit {
	out := make([]scheduler.Unit, 0, len(units))
	for _, u := range units {
		if !u.Group {
			for _, s := range u.Segments {
				out = append(out, s.task())
			}
			continue
		}
		tasks := make([]*scheduler.Task, 0, len(u.Segments))
		for _, s := range u.Segments {
			tasks = append(tasks, s.task())
		}
		out = append(out, scheduler.NewGroup(tasks, actions))
	}
	return out
}

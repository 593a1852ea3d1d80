package checkpoint

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Last-Order/Minyami-sub000/internal/hls"
	"github.com/Last-Order/Minyami-sub000/internal/scheduler"
)

func seg(name string, idx int) Segment {
	return Segment{Name: name, Index: idx, URL: "https://cdn.example/" + name, Sequence: idx}
}

func TestTaskID(t *testing.T) {
	assert.Equal(t, "https://example.com/live/index.m3u8",
		TaskID("https://example.com/live/index.m3u8?token=1&exp=2"))
	assert.Equal(t, "https://example.com/a.m3u8", TaskID("https://example.com/a.m3u8#frag"))
	assert.Equal(t, "local.m3u8", TaskID("local.m3u8"))
}

func TestBuildPending(t *testing.T) {
	all := []Unit{
		{Segments: []Segment{seg("a", 0)}},
		{Group: true, Segments: []Segment{seg("b", 1), seg("c", 2), seg("d", 3)}},
		{Group: true, Segments: []Segment{seg("e", 4), seg("f", 5)}},
		{Segments: []Segment{seg("g", 6)}},
	}
	finished := map[string]bool{"a": true, "c": true, "e": true, "f": true}

	want := []Unit{
		{Group: true, Segments: []Segment{seg("b", 1), seg("d", 3)}},
		{Segments: []Segment{seg("g", 6)}},
	}
	if diff := cmp.Diff(want, BuildPending(all, finished)); diff != "" {
		t.Errorf("BuildPending mismatch (-want +got):\n%s", diff)
	}

	assert.Empty(t, BuildPending(all, map[string]bool{
		"a": true, "b": true, "c": true, "d": true, "e": true, "f": true, "g": true,
	}))
	assert.Len(t, BuildPending(all, nil), 4)
}

func TestUnitsRoundTripThroughScheduler(t *testing.T) {
	key := &hls.Key{Method: hls.MethodAES128, URI: "https://cdn.example/k", IV: "0x01"}
	action := scheduler.Action(func(context.Context) error { return nil })

	queue := []scheduler.Unit{
		&scheduler.Task{Name: "0_a.ts", Index: 0, Retries: 2,
			Segment: hls.Segment{URL: "https://cdn.example/a.ts", Duration: 4, Key: key}},
		scheduler.NewGroup([]*scheduler.Task{
			{Name: "1_b.ts", Index: 1, Segment: hls.Segment{URL: "https://cdn.example/b.ts", Sequence: 1}},
			{Name: "2_c.ts", Index: 2, Segment: hls.Segment{URL: "https://cdn.example/c.ts", Sequence: 2}},
		}, nil),
	}

	persisted := FromUnits(queue)
	require.Len(t, persisted, 2)
	assert.False(t, persisted[0].Group)
	assert.Equal(t, "AES-128", persisted[0].Segments[0].KeyMethod)
	assert.Equal(t, 2, persisted[0].Segments[0].Retries)
	assert.True(t, persisted[1].Group)

	back := ToUnits(persisted, []scheduler.Action{action})
	require.Len(t, back, 2)
	task, ok := back[0].(*scheduler.Task)
	require.True(t, ok)
	assert.Equal(t, "0_a.ts", task.Name)
	assert.Equal(t, *key, *task.Segment.Key)
	assert.Equal(t, 2, task.Retries)

	group, ok := back[1].(*scheduler.Group)
	require.True(t, ok)
	assert.Equal(t, []string{"1_b.ts", "2_c.ts"}, scheduler.Names(group))
	assert.Len(t, group.Actions, 1)
	assert.Nil(t, group.Tasks[0].Segment.Key)
}

package scheduler

import (
	"context"

	"github.com/Last-Order/Minyami-sub000/internal/hls"
)

// Action is a one-shot setup step gating the first attempt of a group
// episode, for example a liveness ping.
type Action func(ctx context.Context) error

// Unit is a queue entry: a *Task or a *Group.
type Unit interface {
	unit()
}

// Task is one segment to download.
type Task struct {
	// Name is the staged file name and the key of the finished set.
	Name    string
	Segment hls.Segment
	// Index orders the staged file in the output.
	Index   int
	Retries int

	group *Group
}

func (*Task) unit() {}

// Group is an ordered batch of tasks sharing Actions. The actions run once
// before the first member is attempted and again whenever the group is
// revisited after a member failed.
type Group struct {
	Tasks   []*Task
	Actions []Action

	// drained is set once every member has left the queue.
	drained bool
	// replay requests the actions to run before the next member starts.
	replay  bool
	running bool
}

func (*Group) unit() {}

// NewGroup returns a group whose actions run before its first member.
func NewGroup(tasks []*Task, actions []Action) *Group {
	return &Group{Tasks: tasks, Actions: actions, replay: len(actions) > 0}
}

// Names lists the task names of a unit.
func Names(u Unit) []string {
	switch v := u.(type) {
	case *Task:
		return []string{v.Name}
	case *Group:
		out := make([]string, 0, len(v.Tasks))
		for _, t := range v.Tasks {
			out = append(out, t.Name)
		}
		return out
	}
	return nil
}

// Count returns the number of tasks in units.
func Count(units []Unit) int {
	n := 0
	for _, u := range units {
		switch v := u.(type) {
		case *Task:
			n++
		case *Group:
			n += len(v.Tasks)
		}
	}
	return n
}

// Clone deep copies units so that a snapshot is safe to hand to other goroutines.
func Clone(units []Unit) []Unit {
	out := make([]Unit, 0, len(units))
	for _, u := range units {
		switch v := u.(type) {
		case *Task:
			c := *v
			c.group = nil
			out = append(out, &c)
		case *Group:
			g := &Group{Actions: v.Actions, replay: len(v.Actions) > 0}
			for _, t := range v.Tasks {
				c := *t
				c.group = g
				g.Tasks = append(g.Tasks, &c)
			}
			out = append(out, g)
		}
	}
	return out
}

// Package concentrator writes staged segment files into output files in
// strict index order while segments complete in any order.
//
// A missing index that is known to be permanently dropped is a breakpoint:
// the current output is closed and the next write opens a new numbered
// output, so no output ever contains a sequence gap.
package concentrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	xglog "github.com/Last-Order/Minyami-sub000/internal/log"
	"github.com/Last-Order/Minyami-sub000/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by AddTasks and Drop after WaitAllFilesWritten.
var ErrClosed = errors.New("concentrator closed")

// Task maps an output index to a staged file.
type Task struct {
	Path  string
	Index int
}

type Option func(*Concentrator)

// WithRemoveSources deletes staged files once they are written.
func WithRemoveSources(remove bool) Option {
	return func(c *Concentrator) { c.removeSources = remove }
}

// WithHeader prepends the file at path to every output, for example an
// fMP4 initialization segment.
func WithHeader(path string) Option {
	return func(c *Concentrator) { c.header = path }
}

// WithStartIndex sets the first index expected. Default 0.
func WithStartIndex(i int) Option {
	return func(c *Concentrator) { c.next = i }
}

// WithQueueSize bounds the number of batches buffered ahead of the writer.
func WithQueueSize(n int) Option {
	return func(c *Concentrator) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

type message struct {
	tasks []Task
	drop  []int
}

type Concentrator struct {
	outputPath    string
	removeSources bool
	header        string
	queueSize     int
	logger        zerolog.Logger

	inMu   sync.RWMutex
	closed bool
	in     chan message
	done   chan struct{}

	// writer state
	next     int
	pending  map[int]string
	dropped  map[int]bool
	current  *os.File
	curPath  string
	curBytes int64
	split    bool
	opened   int

	mu      sync.Mutex
	outputs []string
	err     error
}

// New starts the writer. The requested outputPath is the final name when a
// single output results; otherwise outputs are numbered name_1.ext, name_2.ext.
func New(outputPath string, opts ...Option) *Concentrator {
	c := &Concentrator{
		outputPath: outputPath,
		queueSize:  64,
		logger:     xglog.WithComponent("concentrator"),
		pending:    make(map[int]string),
		dropped:    make(map[int]bool),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.in = make(chan message, c.queueSize)
	go c.run()
	return c
}

// AddTasks hands ready files to the writer. It blocks while the writer is
// behind by more than the queue size.
func (c *Concentrator) AddTasks(tasks ...Task) error {
	if len(tasks) == 0 {
		return nil
	}
	return c.send(message{tasks: append([]Task(nil), tasks...)})
}

// Drop marks indices as permanently missing.
func (c *Concentrator) Drop(indices ...int) error {
	if len(indices) == 0 {
		return nil
	}
	return c.send(message{drop: append([]int(nil), indices...)})
}

func (c *Concentrator) send(m message) error {
	c.inMu.RLock()
	defer c.inMu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.Err(); err != nil {
		return err
	}
	c.in <- m
	return nil
}

// Err returns the first write error, if any.
func (c *Concentrator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// WaitAllFilesWritten stops intake, flushes everything received and
// finalizes the outputs.
func (c *Concentrator) WaitAllFilesWritten(ctx context.Context) error {
	c.inMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	c.inMu.Unlock()

	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outputs lists the files produced, in order. Complete after
// WaitAllFilesWritten returned.
func (c *Concentrator) Outputs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.outputs...)
}

func (c *Concentrator) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.logger.Error().Err(err).Str(xglog.FieldEvent, "output.failed").Msg("output write failed")
}

func (c *Concentrator) run() {
	defer close(c.done)

	for m := range c.in {
		if c.Err() != nil {
			continue
		}
		for _, i := range m.drop {
			if i >= c.next {
				c.dropped[i] = true
				delete(c.pending, i)
			}
		}
		for _, t := range m.tasks {
			if t.Index < c.next || c.dropped[t.Index] {
				continue
			}
			c.pending[t.Index] = t.Path
		}
		if err := c.flush(); err != nil {
			c.fail(err)
		}
	}

	if c.Err() == nil {
		if err := c.drainRemaining(); err != nil {
			c.fail(err)
		}
	}
	if err := c.finalize(); err != nil {
		c.fail(err)
	}
}

// flush writes every contiguous run starting at next.
func (c *Concentrator) flush() error {
	for {
		if c.dropped[c.next] {
			delete(c.dropped, c.next)
			c.breakpoint()
			c.next++
			continue
		}
		path, ok := c.pending[c.next]
		if !ok {
			return nil
		}
		if err := c.write(path); err != nil {
			return err
		}
		delete(c.pending, c.next)
		c.next++
	}
}

// drainRemaining handles files still waiting behind a gap that was never
// declared dropped: each gap becomes a breakpoint so nothing is lost.
func (c *Concentrator) drainRemaining() error {
	if len(c.pending) == 0 {
		return nil
	}
	indices := make([]int, 0, len(c.pending))
	for i := range c.pending {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	c.logger.Warn().
		Int("first_missing", c.next).
		Int("remaining", len(indices)).
		Msg("segments missing at close, splitting output")

	for _, i := range indices {
		if i != c.next {
			c.breakpoint()
			c.next = i
		}
		if err := c.write(c.pending[i]); err != nil {
			return err
		}
		delete(c.pending, i)
		c.next++
	}
	return nil
}

func (c *Concentrator) breakpoint() {
	if c.current != nil && !c.split {
		metrics.IncOutputBreakpoint()
		c.logger.Info().
			Str(xglog.FieldEvent, "output.breakpoint").
			Int(xglog.FieldSequence, c.next).
			Str(xglog.FieldOutput, c.curPath).
			Msg("segment dropped, starting new output")
	}
	c.split = true
}

func (c *Concentrator) write(path string) error {
	if c.current == nil || c.split {
		if err := c.openNext(); err != nil {
			return err
		}
	}
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open staged %s: %w", path, err)
	}
	n, err := io.Copy(c.current, src)
	src.Close()
	if err != nil {
		return fmt.Errorf("append %s to %s: %w", path, c.curPath, err)
	}
	c.curBytes += n
	metrics.AddOutputBytes(n)

	if c.removeSources {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn().Err(err).Str(xglog.FieldPath, path).Msg("remove staged segment")
		}
	}
	return nil
}

func (c *Concentrator) openNext() error {
	if err := c.closeCurrent(); err != nil {
		return err
	}
	c.opened++
	name := numbered(c.outputPath, c.opened)
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("create output %s: %w", name, err)
	}
	c.current, c.curPath, c.curBytes, c.split = f, name, 0, false

	c.mu.Lock()
	c.outputs = append(c.outputs, name)
	c.mu.Unlock()

	if c.header != "" {
		h, err := os.Open(c.header)
		if err != nil {
			return fmt.Errorf("open header %s: %w", c.header, err)
		}
		_, err = io.Copy(f, h)
		h.Close()
		if err != nil {
			return fmt.Errorf("write header to %s: %w", name, err)
		}
	}
	return nil
}

func (c *Concentrator) closeCurrent() error {
	if c.current == nil {
		return nil
	}
	err := c.current.Close()
	c.current = nil
	if err != nil {
		return fmt.Errorf("close output %s: %w", c.curPath, err)
	}
	return nil
}

func (c *Concentrator) finalize() error {
	lastPath, lastBytes := c.curPath, c.curBytes
	hadOpen := c.current != nil
	if err := c.closeCurrent(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if hadOpen && lastBytes == 0 {
		if err := os.Remove(lastPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove empty output: %w", err)
		}
		c.outputs = c.outputs[:len(c.outputs)-1]
	}

	if c.opened == 1 && len(c.outputs) == 1 {
		if err := os.Rename(c.outputs[0], c.outputPath); err != nil {
			return fmt.Errorf("rename output: %w", err)
		}
		c.outputs[0] = c.outputPath
	}
	return nil
}

// numbered inserts _n before the extension: video.ts -> video_2.ts.
func numbered(path string, n int) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(path, ext), n, ext)
}

// Package merge assembles ordered staged files into a final output.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Last-Order/Minyami-sub000/internal/metrics"
)

// ErrMerge classifies final assembly failures. Staged files are kept.
var ErrMerge = errors.New("merge failed")

type Merger interface {
	Merge(ctx context.Context, files []string, out string) error
}

// Output formats.
const (
	FormatTS  = "ts"
	FormatMKV = "mkv"
	FormatMP4 = "mp4"
)

// New picks raw concatenation for ts and an ffmpeg remux otherwise.
func New(format, ffmpegPath string) (Merger, error) {
	switch strings.ToLower(format) {
	case "", FormatTS:
		return Concat{}, nil
	case FormatMKV, FormatMP4:
		return FFmpeg{Path: ffmpegPath, Format: strings.ToLower(format)}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

// Concat appends files byte for byte. A single input on the same
// filesystem is renamed instead of copied.
type Concat struct{}

func (Concat) Merge(ctx context.Context, files []string, out string) (err error) {
	defer func() { metrics.RecordToolRun("concat", err == nil) }()

	if len(files) == 0 {
		return fmt.Errorf("%w: no input files", ErrMerge)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrMerge, err)
	}
	if len(files) == 1 {
		if err := os.Rename(files[0], out); err == nil {
			return nil
		}
	}

	tmp := out + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMerge, err)
	}
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if err := appendFile(f, name); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("%w: %v", ErrMerge, err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrMerge, err)
	}
	if err := os.Rename(tmp, out); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrMerge, err)
	}
	return nil
}

func appendFile(dst io.Writer, name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(dst, src)
	return err
}

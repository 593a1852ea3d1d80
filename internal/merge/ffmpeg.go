package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Last-Order/Minyami-sub000/internal/metrics"
	"github.com/Last-Order/Minyami-sub000/internal/procgroup"
)

// FFmpeg remuxes inputs through the concat demuxer with stream copy.
type FFmpeg struct {
	Path   string
	Format string
}

func (m FFmpeg) Merge(ctx context.Context, files []string, out string) error {
	if len(files) == 0 {
		return fmt.Errorf("%w: no input files", ErrMerge)
	}
	listPath := out + ".concat.txt"
	if err := writeConcatList(listPath, files); err != nil {
		return fmt.Errorf("%w: %v", ErrMerge, err)
	}
	defer os.Remove(listPath)

	cmd := exec.Command(m.bin(), m.args(listPath, out)...)
	err := procgroup.Run(ctx, cmd, 20)
	metrics.RecordToolRun("ffmpeg", err == nil)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrMerge, err)
	}
	return nil
}

func (m FFmpeg) bin() string {
	if m.Path != "" {
		return m.Path
	}
	return "ffmpeg"
}

func (m FFmpeg) args(listPath, out string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-map", "0",
		"-c", "copy",
	}
	if m.Format == FormatMP4 {
		args = append(args, "-bsf:a", "aac_adtstoasc", "-movflags", "+faststart")
	}
	return append(args, out)
}

// writeConcatList writes the concat demuxer script with absolute,
// single-quote escaped paths.
func writeConcatList(path string, files []string) error {
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

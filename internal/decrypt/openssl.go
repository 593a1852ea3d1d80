package decrypt

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/Last-Order/Minyami-sub000/internal/metrics"
	"github.com/Last-Order/Minyami-sub000/internal/procgroup"
)

// OpenSSL shells out to `openssl aes-128-cbc -d`.
type OpenSSL struct {
	// Path defaults to "openssl" on PATH.
	Path string
}

func (o OpenSSL) Decrypt(ctx context.Context, in, out, hexKey, hexIV string) error {
	if _, _, err := decodeKeyIV(hexKey, hexIV); err != nil {
		return err
	}
	bin := o.Path
	if bin == "" {
		bin = "openssl"
	}

	cmd := exec.Command(bin, "aes-128-cbc", "-d",
		"-in", in,
		"-out", out,
		"-K", hexKey,
		"-iv", hexIV,
	)
	err := procgroup.Run(ctx, cmd, 10)
	metrics.RecordToolRun("openssl", err == nil)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return nil
}

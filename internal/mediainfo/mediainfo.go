// Package mediainfo reads container metadata from recorded segments with ffprobe.
package mediainfo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrNoDuration is returned when ffprobe ran but reported no usable duration.
var ErrNoDuration = errors.New("mediainfo: no duration")

// Prober runs ffprobe.
type Prober struct {
	// Path is the ffprobe binary. Defaults to "ffprobe" on PATH.
	Path string
	// Timeout bounds a single ffprobe run. Defaults to 15s.
	Timeout time.Duration
}

// NewProber returns a prober for the given binary.
func NewProber(path string) *Prober {
	return &Prober{Path: path}
}

// Duration returns the container duration of file rounded to whole seconds.
func (p *Prober) Duration(ctx context.Context, file string) (int, error) {
	bin := p.Path
	if bin == "" {
		bin = "ffprobe"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		file,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return 0, fmt.Errorf("ffprobe %s: %w: %s", file, err, msg)
		}
		return 0, fmt.Errorf("ffprobe %s: %w", file, err)
	}
	return ParseDuration(stdout.String())
}

// ParseDuration parses ffprobe's bare duration output ("61.280000").
func ParseDuration(out string) (int, error) {
	s := strings.TrimSpace(out)
	if s == "" || s == "N/A" {
		return 0, ErrNoDuration
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrNoDuration
	}
	return int(math.Round(f)), nil
}

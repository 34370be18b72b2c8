package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
)

// Resolver turns a hosted video page into a URL ffmpeg can read.
type Resolver interface {
	Resolve(ctx context.Context, pageURL string) (string, error)
}

// CommandResolver asks an external downloader (yt-dlp compatible) for the
// direct media URL with `<bin> -g -f best <url>`.
type CommandResolver struct {
	Bin string
}

// Resolve runs the resolver command and returns the first URL it prints.
func (r CommandResolver) Resolve(ctx context.Context, pageURL string) (string, error) {
	bin := r.Bin
	if bin == "" {
		bin = "yt-dlp"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-g", "-f", "best", pageURL)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("resolve %s: %w: %s", pageURL, err, strings.TrimSpace(stderr.String()))
	}

	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			return line, nil
		}
	}
	return "", fmt.Errorf("resolve %s: no playable url returned", pageURL)
}

// Prober checks that a stream is reachable before capture starts.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// RTSPProber sends an RTSP DESCRIBE and requires at least one media.
type RTSPProber struct {
	Timeout time.Duration
}

// Probe connects, describes the stream and disconnects.
func (p RTSPProber) Probe(ctx context.Context, rawURL string) error {
	u, err := base.ParseURL(rawURL)
	if err != nil {
		return fmt.Errorf("parse rtsp url: %w", err)
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	c := &gortsplib.Client{
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	if err := c.Start(u.Scheme, u.Host); err != nil {
		return fmt.Errorf("connect %s: %w", u.Host, err)
	}
	defer c.Close()

	desc, _, err := c.Describe(u)
	if err != nil {
		return fmt.Errorf("describe: %w", err)
	}
	if len(desc.Medias) == 0 {
		return fmt.Errorf("stream %s has no medias", rawURL)
	}
	return nil
}

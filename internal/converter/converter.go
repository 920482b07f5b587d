// Package converter turns downloaded encrypted audio into playable files by
// driving an ffmpeg subprocess with per-item decryption material.
package converter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/aronjanosch/audible-web-downloader/internal/config"
	"github.com/aronjanosch/audible-web-downloader/internal/logging"
	"github.com/aronjanosch/audible-web-downloader/internal/media/ffprobe"
	"github.com/aronjanosch/audible-web-downloader/internal/services"
	"github.com/aronjanosch/audible-web-downloader/internal/voucher"
)

const versionProbeTimeout = 10 * time.Second

// Converter shells out to ffmpeg for stream-copy decryption.
type Converter struct {
	binary  string
	probe   string
	timeout time.Duration
	logger  *slog.Logger
}

// New builds a Converter from config.
func New(cfg *config.Config, logger *slog.Logger) *Converter {
	binary := "ffmpeg"
	probe := "ffprobe"
	timeout := 30 * time.Minute
	if cfg != nil {
		binary = cfg.Conversion.FFmpegBinary
		probe = cfg.Conversion.FFprobeBinary
		timeout = time.Duration(cfg.Conversion.TimeoutSeconds) * time.Second
	}
	return &Converter{
		binary:  binary,
		probe:   probe,
		timeout: timeout,
		logger:  logging.NewComponentLogger(logger, "converter"),
	}
}

// CheckAvailable probes the ffmpeg binary. Run this before starting pipeline
// work so a missing tool fails fast instead of per item.
func (c *Converter) CheckAvailable(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, c.binary, "-version")
	if output, err := cmd.CombinedOutput(); err != nil {
		return services.Wrap(services.ErrConfiguration, "converting", "probe",
			fmt.Sprintf("%s not found or not executable: %s", c.binary, firstLine(output)), err)
	}
	return nil
}

// Convert decrypts src into dst with a stream copy. Success requires a zero
// exit code and a non-empty destination file; any partial output is removed on
// failure. The key and IV never appear in logs or error messages.
func (c *Converter) Convert(ctx context.Context, src, dst string, material voucher.Material) error {
	if material.Key == "" || material.IV == "" {
		return services.Wrap(services.ErrCorruptVoucher, "converting", "prepare", "missing decryption material", nil)
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := []string{
		"-v", "quiet", "-stats", "-y",
		"-audible_key", material.Key,
		"-audible_iv", material.IV,
		"-i", src,
		"-c", "copy",
		dst,
	}
	cmd := exec.CommandContext(runCtx, c.binary, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		_ = os.Remove(dst)
		if runCtx.Err() == context.DeadlineExceeded {
			return services.Wrap(services.ErrTimeout, "converting", "run",
				fmt.Sprintf("conversion exceeded %s", c.timeout), nil)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return services.Wrap(services.ErrConversion, "converting", "run", firstLine([]byte(stderr.String())), err)
	}

	info, statErr := os.Stat(dst)
	if statErr != nil || info.Size() == 0 {
		_ = os.Remove(dst)
		return services.Wrap(services.ErrConversion, "converting", "verify", "output file is missing or empty", statErr)
	}

	result, err := c.verifyOutput(ctx, dst)
	if err != nil {
		_ = os.Remove(dst)
		return err
	}

	size := info.Size()
	if probed := result.SizeBytes(); probed > 0 {
		size = probed
	}
	c.logger.Info("conversion complete",
		logging.String("output", dst),
		logging.Int64("size", size),
		logging.Float64("duration_seconds", result.DurationSeconds()),
		logging.Duration("elapsed", time.Since(start)))
	return nil
}

// verifyOutput probes the converted file. ffmpeg exits zero on some corrupt
// inputs, so a successful conversion must also yield a playable container
// with at least one audio stream and a positive duration.
func (c *Converter) verifyOutput(ctx context.Context, dst string) (ffprobe.Result, error) {
	probeCtx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	result, err := ffprobe.Inspect(probeCtx, c.probe, dst)
	if err != nil {
		return ffprobe.Result{}, services.Wrap(services.ErrConversion, "converting", "verify", "output is not a readable container", err)
	}
	if result.AudioStreamCount() == 0 {
		return ffprobe.Result{}, services.Wrap(services.ErrConversion, "converting", "verify", "output has no audio stream", nil)
	}
	if d := result.DurationSeconds(); !(d > 0) {
		return ffprobe.Result{}, services.Wrap(services.ErrConversion, "converting", "verify", "output has no duration", nil)
	}
	return result, nil
}

func firstLine(output []byte) string {
	text := strings.TrimSpace(string(output))
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	if text == "" {
		return "no diagnostic output"
	}
	return text
}

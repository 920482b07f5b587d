// Package streamer performs chunked HTTP downloads of licensed audio with
// progress reporting, idle detection, and ranged resume.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aronjanosch/audible-web-downloader/internal/config"
	"github.com/aronjanosch/audible-web-downloader/internal/logging"
	"github.com/aronjanosch/audible-web-downloader/internal/services"
)

const (
	userAgent = "Audible/671 CFNetwork/1240.0.4 Darwin/20.6.0"
	// ewmaAlpha weights the newest chunk when smoothing the transfer rate.
	ewmaAlpha = 0.3
)

// Progress is a point-in-time transfer snapshot delivered per chunk.
type Progress struct {
	Downloaded int64
	Total      int64
	// Speed is the smoothed transfer rate in bytes per second.
	Speed float64
	// ETA is the estimated remaining time, zero when unknown.
	ETA time.Duration
}

// Streamer downloads license content URLs to local files.
type Streamer struct {
	client      *http.Client
	chunkSize   int
	idleTimeout time.Duration
	logger      *slog.Logger
}

// New builds a Streamer with chunk size and idle timeout from config.
func New(cfg *config.Config, logger *slog.Logger) *Streamer {
	chunk := 64 * 1024
	idle := 60 * time.Second
	if cfg != nil {
		chunk = cfg.Downloads.ChunkSizeKiB * 1024
		idle = time.Duration(cfg.Downloads.IdleTimeoutSeconds) * time.Second
	}
	return &Streamer{
		client:      &http.Client{},
		chunkSize:   chunk,
		idleTimeout: idle,
		logger:      logging.NewComponentLogger(logger, "streamer"),
	}
}

// Download fetches url into dest. When a partial file already exists and the
// server advertises byte ranges, the transfer resumes from the partial offset;
// otherwise it restarts from zero. A destination already spanning the expected
// size is left untouched. onProgress may be nil. The transfer aborts
// when no bytes arrive for the idle timeout, and a response shorter than its
// Content-Length is reported as a network interruption.
func (s *Streamer) Download(ctx context.Context, url, dest string, expected int64, onProgress func(Progress)) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return services.Wrap(services.ErrTransient, "downloading", "prepare", "create destination directory", err)
	}

	var offset int64
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		offset = info.Size()
	}

	// A previous attempt may have finished the transfer before failing in a
	// later stage. Do not re-contact the content host for a complete file.
	if expected > 0 && offset >= expected {
		s.logger.Info("file already fully downloaded",
			logging.String("dest", filepath.Base(dest)),
			logging.Int64("size", offset))
		if onProgress != nil {
			onProgress(Progress{Downloaded: offset, Total: expected})
		}
		return nil
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return services.Wrap(services.ErrTransient, "downloading", "request", "build request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrNetwork, "downloading", "request", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Full body; discard any partial content.
		offset = 0
	case http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		// The resume offset sits at or past the end of the object, so the
		// local file already spans it.
		if offset > 0 {
			if onProgress != nil {
				onProgress(Progress{Downloaded: offset, Total: offset})
			}
			return nil
		}
		return services.Wrap(services.ErrNetwork, "downloading", "request",
			"range not satisfiable for fresh transfer", nil)
	case http.StatusTooManyRequests:
		return services.Wrap(services.ErrThrottled, "downloading", "request", "content host rate limit", nil)
	case http.StatusForbidden, http.StatusUnauthorized:
		return services.Wrap(services.ErrLicenseDenied, "downloading", "request",
			fmt.Sprintf("content host rejected request (HTTP %d)", resp.StatusCode), nil)
	default:
		return services.Wrap(services.ErrNetwork, "downloading", "request",
			fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	total := expected
	if resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return services.Wrap(services.ErrTransient, "downloading", "open", dest, err)
	}
	defer out.Close()

	if offset > 0 {
		s.logger.Info("resuming download",
			logging.String("dest", filepath.Base(dest)),
			logging.Int64("offset", offset))
	}

	// Idle watchdog: cancel the in-flight request when a chunk read stalls.
	idle := time.AfterFunc(s.idleTimeout, cancel)
	defer idle.Stop()

	written := offset
	speed := 0.0
	lastChunk := time.Now()
	buf := make([]byte, s.chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			idle.Reset(s.idleTimeout)
			if _, werr := out.Write(buf[:n]); werr != nil {
				return services.Wrap(services.ErrTransient, "downloading", "write", dest, werr)
			}
			written += int64(n)

			now := time.Now()
			if elapsed := now.Sub(lastChunk).Seconds(); elapsed > 0 {
				instant := float64(n) / elapsed
				if speed == 0 {
					speed = instant
				} else {
					speed = ewmaAlpha*instant + (1-ewmaAlpha)*speed
				}
			}
			lastChunk = now

			if onProgress != nil {
				onProgress(snapshot(written, total, speed))
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if reqCtx.Err() != nil {
				return services.Wrap(services.ErrNetwork, "downloading", "read",
					fmt.Sprintf("no data for %s", s.idleTimeout), readErr)
			}
			return services.Wrap(services.ErrNetwork, "downloading", "read", url, readErr)
		}
	}

	if err := out.Close(); err != nil {
		return services.Wrap(services.ErrTransient, "downloading", "close", dest, err)
	}
	if total > 0 && written < total {
		return services.Wrap(services.ErrNetwork, "downloading", "verify",
			fmt.Sprintf("connection closed after %d of %d bytes", written, total), nil)
	}
	if written == 0 {
		return services.Wrap(services.ErrNetwork, "downloading", "verify", "empty response body", nil)
	}
	return nil
}

func snapshot(written, total int64, speed float64) Progress {
	p := Progress{Downloaded: written, Total: total, Speed: speed}
	if total > 0 && speed > 0 && written < total {
		p.ETA = time.Duration(float64(total-written)/speed) * time.Second
	}
	return p
}

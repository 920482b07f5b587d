// Package enricher embeds catalog metadata and cover art into converted
// audiobooks. Enrichment is best-effort: a failed sub-step degrades to the
// plain converted file rather than failing the download.
package enricher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/aronjanosch/audible-web-downloader/internal/config"
	"github.com/aronjanosch/audible-web-downloader/internal/fileutil"
	"github.com/aronjanosch/audible-web-downloader/internal/logging"
	"github.com/aronjanosch/audible-web-downloader/internal/pathbuilder"
	"github.com/aronjanosch/audible-web-downloader/internal/services"
	"github.com/aronjanosch/audible-web-downloader/internal/services/audible"
)

const coverFetchTimeout = 30 * time.Second

// Enricher remuxes audiobooks through ffmpeg to attach tags and cover art.
type Enricher struct {
	binary  string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// New builds an Enricher from config.
func New(cfg *config.Config, logger *slog.Logger) *Enricher {
	binary := "ffmpeg"
	timeout := 30 * time.Minute
	if cfg != nil {
		binary = cfg.Conversion.FFmpegBinary
		timeout = time.Duration(cfg.Conversion.TimeoutSeconds) * time.Second
	}
	return &Enricher{
		binary:  binary,
		timeout: timeout,
		client:  &http.Client{Timeout: coverFetchTimeout},
		logger:  logging.NewComponentLogger(logger, "enricher"),
	}
}

// Enrich remuxes src into dst with the product's tags and, when available,
// its cover art. Sub-step failures degrade: the returned flag is true when
// the result is missing cover art or tags. The src file is left in place.
func (e *Enricher) Enrich(ctx context.Context, src, dst, workDir string, product audible.Product) (degraded bool, err error) {
	coverPath := ""
	if url := product.CoverURL(); url != "" {
		coverPath, err = e.fetchCover(ctx, url, workDir)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			e.logger.Warn("cover download failed, continuing without artwork",
				logging.String("asin", product.ASIN), logging.Error(err))
			coverPath = ""
			degraded = true
		}
	}

	if err := e.remux(ctx, src, dst, coverPath, product); err != nil {
		if ctx.Err() != nil {
			return degraded, ctx.Err()
		}
		e.logger.Warn("tag embedding failed, keeping unenriched audio",
			logging.String("asin", product.ASIN), logging.Error(err))
		if copyErr := fileutil.CopyFile(src, dst); copyErr != nil {
			return true, services.Wrap(services.ErrEnrichment, "enriching", "fallback",
				"could not produce an output file", copyErr)
		}
		return true, nil
	}
	return degraded, nil
}

// fetchCover downloads the cover image into workDir and returns its path.
func (e *Enricher) fetchCover(ctx context.Context, url, workDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build cover request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch cover: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch cover: unexpected status %d", resp.StatusCode)
	}

	path := filepath.Join(workDir, "cover.jpg")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create cover file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("save cover: %w", err)
	}
	return path, nil
}

func (e *Enricher) remux(ctx context.Context, src, dst, coverPath string, product audible.Product) error {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := []string{"-v", "quiet", "-y", "-i", src}
	if coverPath != "" {
		args = append(args, "-i", coverPath, "-map", "0", "-map", "1", "-disposition:v:0", "attached_pic")
	} else {
		args = append(args, "-map", "0")
	}
	args = append(args, "-c", "copy", "-map_metadata", "0")
	args = append(args, metadataArgs(product)...)
	args = append(args, dst)

	cmd := exec.CommandContext(runCtx, e.binary, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		_ = os.Remove(dst)
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("remux exceeded %s", e.timeout)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("remux: %w: %s", err, firstLine(stderr.String()))
	}

	info, statErr := os.Stat(dst)
	if statErr != nil || info.Size() == 0 {
		_ = os.Remove(dst)
		return fmt.Errorf("remux produced no output")
	}
	return nil
}

// metadataArgs maps catalog fields onto container tags. The ASIN rides in the
// comment tag so library scans can identify the file later.
func metadataArgs(product audible.Product) []string {
	tags := []struct {
		key   string
		value string
	}{
		{"title", product.Title},
		{"album", product.Title},
		{"artist", pathbuilder.FormatAuthors(product.Authors)},
		{"album_artist", pathbuilder.FormatAuthors(product.Authors)},
		{"composer", pathbuilder.FormatNarrators(product.Narrators)},
		{"date", product.Year()},
		{"publisher", product.PublisherName},
		{"language", product.Language},
		{"description", product.Summary()},
		{"comment", asinComment(product.ASIN)},
	}
	args := make([]string, 0, len(tags)*2)
	for _, tag := range tags {
		if tag.value == "" {
			continue
		}
		args = append(args, "-metadata", tag.key+"="+tag.value)
	}
	return args
}

func asinComment(asin string) string {
	if asin == "" {
		return ""
	}
	return "ASIN: " + asin
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	if text == "" {
		return "no diagnostic output"
	}
	return text
}

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/aronjanosch/audible-web-downloader/internal/queue"
)

func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// progressCell renders "12.3 MiB / 456 MiB (3%)" or a dash before any bytes
// have moved.
func progressCell(job queue.Job) string {
	if job.TotalBytes <= 0 {
		if job.DownloadedBytes > 0 {
			return humanize.IBytes(uint64(job.DownloadedBytes))
		}
		return "-"
	}
	percent := float64(job.DownloadedBytes) / float64(job.TotalBytes) * 100
	return fmt.Sprintf("%s / %s (%.0f%%)",
		humanize.IBytes(uint64(job.DownloadedBytes)),
		humanize.IBytes(uint64(job.TotalBytes)),
		percent)
}

func speedCell(job queue.Job) string {
	if !job.Stage.Active() || job.Speed <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(job.Speed)) + "/s"
}

func etaCell(job queue.Job) string {
	if !job.Stage.Active() || job.ETASeconds <= 0 {
		return "-"
	}
	return (time.Duration(job.ETASeconds) * time.Second).String()
}

func errorCell(job queue.Job) string {
	if job.ErrorKind == "" {
		return ""
	}
	return job.ErrorKind
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit <= 1 {
		return string(runes[:limit])
	}
	return string(runes[:limit-1]) + "…"
}

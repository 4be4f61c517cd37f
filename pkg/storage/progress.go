package storage

import (
	"log/slog"

	"github.com/dustin/go-humanize"
)

// unknownSizeStep is how often progress is logged when the server sent no
// content length.
const unknownSizeStep = 64 * 1024 * 1024

// progressWriter counts bytes and logs progress every 10% of the expected
// size, or every unknownSizeStep bytes when the size is unknown.
type progressWriter struct {
	url     string
	total   int64
	current int64
	next    int64
	quiet   bool
}

func newProgressWriter(url string, total int64, quiet bool) *progressWriter {
	pw := &progressWriter{url: url, total: total, quiet: quiet}
	pw.next = pw.step()
	return pw
}

func (pw *progressWriter) step() int64 {
	if pw.total > 0 {
		s := pw.total / 10
		if s == 0 {
			s = 1
		}
		return s
	}
	return unknownSizeStep
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	pw.current += int64(len(p))
	for pw.current >= pw.next {
		pw.print()
		pw.next += pw.step()
	}
	return len(p), nil
}

func (pw *progressWriter) print() {
	if pw.quiet {
		return
	}
	if pw.total <= 0 {
		slog.Info("download_progress", "url", pw.url, "downloaded", humanize.IBytes(uint64(pw.current)))
		return
	}

	percent := pw.current * 100 / pw.total
	if percent > 100 {
		percent = 100
	}
	slog.Info("download_progress",
		"url", pw.url,
		"percent", percent,
		"downloaded", humanize.IBytes(uint64(pw.current)),
		"total", humanize.IBytes(uint64(pw.total)))
}

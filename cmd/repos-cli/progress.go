package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
)

const barLen = 30

type progress struct {
	out     io.Writer
	label   string
	total   int64
	current int64
}

func (p *progress) add(n int) {
	p.current += int64(n)
	if p.total <= 0 {
		fmt.Fprintf(p.out, "\r%s: %s", p.label, humanize.IBytes(uint64(p.current)))
		return
	}
	pct := float64(p.current) / float64(p.total) * 100
	filled := min(int(pct/100*barLen), barLen)
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barLen-filled)
	fmt.Fprintf(p.out, "\r%s: [%s] %.1f%% %s/%s", p.label, bar, pct,
		humanize.IBytes(uint64(p.current)), humanize.IBytes(uint64(p.total)))
}

// progressReader wraps a reader and prints progress.
type progressReader struct {
	io.Reader
	progress
}

func (pr *progressReader) Read(b []byte) (int, error) {
	n, err := pr.Reader.Read(b)
	pr.add(n)
	return n, err
}

// progressWriter wraps a writer and prints progress.
type progressWriter struct {
	io.Writer
	progress
}

func (pw *progressWriter) Write(b []byte) (int, error) {
	n, err := pw.Writer.Write(b)
	pw.add(n)
	return n, err
}

package upload

import (
	"errors"
	"io"
	"sync"
)

// chunkSize bounds a single read of the upload body.
const chunkSize = 32 * 1024

// Progress checkpoints after the body has been streamed.
const (
	streamCeiling    = 90
	progressConsumed = 92
	progressClosed   = 94
	progressResponse = 96
	progressParsed   = 98
	progressDone     = 100
)

// progressReader reports linear progress up to streamCeiling while the
// transport reads the body, then the consumed and closed checkpoints.
type progressReader struct {
	r      io.Reader
	total  int64
	report func(int)

	read      int64
	consumed  sync.Once
	closeOnce sync.Once
}

func newProgressReader(r io.Reader, total int64, report func(int)) *progressReader {
	return &progressReader{r: r, total: total, report: report}
}

func (p *progressReader) Read(b []byte) (int, error) {
	if len(b) > chunkSize {
		b = b[:chunkSize]
	}

	n, err := p.r.Read(b)
	p.read += int64(n)

	if n > 0 && p.total > 0 {
		p.report(int(min(p.read, p.total) * streamCeiling / p.total))
	}

	if errors.Is(err, io.EOF) || (p.total > 0 && p.read >= p.total) {
		p.markConsumed()
	}

	return n, err
}

// Close is called by the transport when it is done with the body.
func (p *progressReader) Close() error {
	p.markConsumed()
	p.closeOnce.Do(func() { p.report(progressClosed) })

	return nil
}

func (p *progressReader) markConsumed() {
	p.consumed.Do(func() { p.report(progressConsumed) })
}

package storage

import (
	"io"
	"sync/atomic"
)

// progressReader counts bytes handed to the uploader. The multipart uploader
// reads one part ahead of the network, so progress leads the transfer slightly.
type progressReader struct {
	r        io.Reader
	total    int64
	read     atomic.Int64
	progress ProgressFunc
}

func newProgressReader(r io.Reader, total int64, progress ProgressFunc) io.Reader {
	if progress == nil {
		return r
	}
	return &progressReader{r: r, total: total, progress: progress}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.progress(p.read.Add(int64(n)), p.total)
	}
	return n, err
}

package media

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DumpWriter mirrors raw call audio to disk as headerless PCM, one file per
// call. It is a passive side-effect writer; failures never affect a session.
type DumpWriter struct {
	dir string
}

func NewDumpWriter(dir string) *DumpWriter {
	return &DumpWriter{dir: dir}
}

func (d *DumpWriter) Open(callID string) (io.WriteCloser, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("stt-dump-%s.pcm", callID)
	return os.OpenFile(filepath.Join(d.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

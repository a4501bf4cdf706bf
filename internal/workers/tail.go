package workers

import (
	"sync"

	"github.com/ternarybob/opus/internal/models"
)

// tailBuffer is an io.Writer ring that keeps the last models.MaxTailBytes of
// whatever is written to it. Task output can be unbounded; the stored tail
// is not.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func newTailBuffer() *tailBuffer {
	return &tailBuffer{}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if len(t.buf) > models.MaxTailBytes {
		t.buf = t.buf[len(t.buf)-models.MaxTailBytes:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

package spinning

import (
	"bytes"
	"context"
	"github.com/stretchr/testify/require"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	require.False(t, IsTerminal(&buf))
	s := New(context.Background(), &buf, "downloading")
	s.Done()
	s.Done()
	require.Equal(t, "downloading...\n", buf.String())
}

func TestSpinner(t *testing.T) {
	buf := &syncBuffer{}
	Interval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	s := (&Spinning{}).start(ctx, buf, "exporting")
	time.Sleep(20 * time.Millisecond)
	cancel()
	s.Done()
	output := buf.String()
	require.Contains(t, output, "exporting")
	require.True(t, strings.HasSuffix(output, "\033[?25h"), "cursor must be restored, got %q", output)
}

package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSink_DisabledIsNoOp(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, false)
	s.Write("sess1", "req1", KindRequest, map[string]string{"a": "b"}, time.Now())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSink_WritesOneLinePerRecord(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, true)
	s.Write("sess1", "req1", KindRequest, map[string]string{"model": "gpt-4"}, time.Now())
	s.Write("sess1", "req1", KindFinalResponse, map[string]string{"status": "ok"}, time.Now())
	s.Close()

	path := filepath.Join(dir, "sess1", "session.log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"request"`)
	assert.Contains(t, string(data), `"kind":"final_response"`)
}

func TestSink_SanitizesSessionID(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, true)
	s.Write("../../etc/passwd", "req1", KindRequest, map[string]string{"a": "b"}, time.Now())
	s.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), "..")
}

func TestSink_RotatesPastMaxSize(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, true)

	big := make([]byte, 0, 4096)
	for i := 0; i < 4096; i++ {
		big = append(big, 'x')
	}
	payload := map[string]string{"blob": string(big)}

	// write enough records (about 12.6 MB in all) to exceed the 8 MiB
	// maxFileBytes and force at least one rotation.
	for i := 0; i < 3000; i++ {
		s.Write("sess1", "req1", KindSSEFrame, payload, time.Now())
	}
	s.Close()

	sessionDir := filepath.Join(dir, "sess1")
	entries, err := os.ReadDir(sessionDir)
	require.NoError(t, err)
	assert.Greater(t, len(entries), 1, "expected rotation to produce backup files")
	assert.LessOrEqual(t, len(entries), maxBackups+1)
}

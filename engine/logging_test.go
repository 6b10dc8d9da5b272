package engine

import (
	"bytes"
	"testing"
)

func TestNewLoggerWritesThroughToWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf)
	logger.Println("hello from the installer engine")
	if buf.Len() == 0 {
		t.Fatal("expected the logger to write through to the underlying buffer")
	}
}

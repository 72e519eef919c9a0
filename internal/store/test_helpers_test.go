package store

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/roach88/inkd/internal/ink"
	"github.com/roach88/inkd/internal/sequencer"
)

var testPen = ink.Pen{Color: ink.Color{R: 10, G: 20, B: 30, A: 255}, Thickness: 3}

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seqOp builds a committed operation.
func seqOp(pos uint64, client string, clientSeq uint64, op ink.Operation) sequencer.Sequenced {
	return sequencer.Sequenced{
		Position: sequencer.Position(pos),
		Envelope: sequencer.Envelope{ClientID: client, ClientSeq: clientSeq, Op: op},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/reza/kapten/internal/observability"
)

// TranscriptWriter appends session events to per-session JSONL files.
// Appends for the same session are serialized with a per-session lock.
type TranscriptWriter struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewTranscriptWriter creates the transcript directory if needed.
func NewTranscriptWriter(dir string) (*TranscriptWriter, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".kapten", "transcripts")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("Transcript writer initialized")
	return &TranscriptWriter{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

func validateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if strings.Contains(sessionID, "..") {
		return fmt.Errorf("session ID cannot contain '..'")
	}
	if strings.ContainsAny(sessionID, "/\\") {
		return fmt.Errorf("session ID cannot contain path separators")
	}
	if strings.Contains(sessionID, "\x00") {
		return fmt.Errorf("session ID cannot contain null bytes")
	}
	return nil
}

func (w *TranscriptWriter) path(sessionID string) string {
	return filepath.Join(w.dir, sessionID+".jsonl")
}

func (w *TranscriptWriter) lock(sessionID string) *sync.Mutex {
	w.locksMu.Lock()
	defer w.locksMu.Unlock()
	if l, ok := w.writeLocks[sessionID]; ok {
		return l
	}
	l := &sync.Mutex{}
	w.writeLocks[sessionID] = l
	return l
}

// Append writes one entry to the session's transcript. The entry is
// marshalled as a single JSON line.
func (w *TranscriptWriter) Append(sessionID string, entry any) error {
	if err := validateSessionID(sessionID); err != nil {
		observability.RecordTranscriptError()
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		observability.RecordTranscriptError()
		return fmt.Errorf("failed to marshal transcript entry: %w", err)
	}

	l := w.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(w.path(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		observability.RecordTranscriptError()
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		observability.RecordTranscriptError()
		return fmt.Errorf("failed to append transcript entry: %w", err)
	}
	return nil
}

// Read returns every entry in the session's transcript in append order.
// A missing transcript yields an empty slice, not an error.
func (w *TranscriptWriter) Read(sessionID string) ([]json.RawMessage, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	f, err := os.Open(w.path(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	var entries []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entries = append(entries, json.RawMessage(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return entries, nil
}

// Remove deletes a session's transcript file, if present.
func (w *TranscriptWriter) Remove(sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	w.locksMu.Lock()
	delete(w.writeLocks, sessionID)
	w.locksMu.Unlock()

	err := os.Remove(w.path(sessionID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

package claude

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TranscriptReader returns the full ordered message transcript of a session,
// used by progress extraction.
type TranscriptReader interface {
	Read(ctx context.Context, projectID, sessionID string) ([]StreamMessage, error)
}

// cachedTranscript is one parsed transcript plus the file identity it was
// parsed from, so the cache can be invalidated on growth.
type cachedTranscript struct {
	size     int64
	modTime  time.Time
	messages []StreamMessage
}

// FileTranscriptReader reads session transcripts from per-project JSONL files
// laid out as <root>/<projectID>/<sessionID>.jsonl. Parsed transcripts are
// cached; a cache entry is reused only while the underlying file is unchanged.
type FileTranscriptReader struct {
	root   string
	cache  *lru.Cache[string, cachedTranscript]
	logger *slog.Logger
}

// NewFileTranscriptReader creates a reader rooted at the given directory.
func NewFileTranscriptReader(root string, cacheSize int, logger *slog.Logger) (*FileTranscriptReader, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, cachedTranscript](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileTranscriptReader{root: root, cache: cache, logger: logger}, nil
}

// Read returns the transcript for the given project and session.
func (r *FileTranscriptReader) Read(ctx context.Context, projectID, sessionID string) ([]StreamMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(r.root, projectID, sessionID+".jsonl")

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("transcript unavailable for session %s: %w", sessionID, err)
	}

	key := projectID + "/" + sessionID
	if entry, ok := r.cache.Get(key); ok {
		if entry.size == info.Size() && entry.modTime.Equal(info.ModTime()) {
			return entry.messages, nil
		}
	}

	messages, err := r.readFile(path)
	if err != nil {
		return nil, err
	}

	r.cache.Add(key, cachedTranscript{
		size:     info.Size(),
		modTime:  info.ModTime(),
		messages: messages,
	})

	return messages, nil
}

// readFile parses a JSONL transcript file. Undecodable lines are skipped with
// a warning rather than failing the whole read, since transcripts can contain
// entries written by newer CLI versions.
func (r *FileTranscriptReader) readFile(path string) ([]StreamMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var messages []StreamMessage
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		msgs, err := DecodeLine(line)
		if err != nil {
			r.logger.Warn("skipping undecodable transcript line",
				"path", path, "line", lineNo, "error", err)
			continue
		}
		messages = append(messages, msgs...)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	return messages, nil
}

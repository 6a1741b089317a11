// Package artifact implements the hub's append-only text-blob store: large
// agent messages and completions are spilled out of the event stream into
// individually addressable files, indexed by an append-only JSONL sidecar.
package artifact

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

const artDirname = "artifacts"
const indexBasename = "index.jsonl"

// record is one line of index.jsonl.
type record struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	TS         int64          `json:"ts"`
	Meta       map[string]any `json:"meta,omitempty"`
	Compressed bool           `json:"compressed,omitempty"`
}

// Store is an append-only artifact store rooted at a directory. No artifact
// is ever deleted or rewritten once written; Put always creates a new blob.
type Store struct {
	mu                sync.Mutex
	dir               string
	compressThreshold int
	indexFile         *os.File
	indexW            *bufio.Writer
}

// New opens (creating if necessary) an artifact store rooted at dir, with
// bodies at or above compressThreshold bytes written zstd-compressed.
// compressThreshold <= 0 disables compression entirely.
func New(dir string, compressThreshold int) (*Store, error) {
	artDir := filepath.Join(dir, artDirname)
	if err := os.MkdirAll(artDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(artDir, indexBasename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open artifact index: %w", err)
	}
	return &Store{
		dir:               artDir,
		compressThreshold: compressThreshold,
		indexFile:         f,
		indexW:            bufio.NewWriter(f),
	}, nil
}

// Close flushes and closes the index file. Blob files need no closing; each
// Put opens, writes, and closes its own file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.indexW.Flush(); err != nil {
		return err
	}
	return s.indexFile.Close()
}

func blobID() string {
	return fmt.Sprintf("%d-%s", time.Now().Unix(), uuid.New().String()[:8])
}

// Put persists body under a freshly generated id and appends an index
// record carrying kind and meta. Bodies at or above the configured
// compression threshold are written zstd-compressed with a ".txt.zst"
// suffix; the index record's Compressed flag tells Get which to expect.
func (s *Store) Put(kind, body string, meta map[string]any) (string, error) {
	id := blobID()
	compressed := s.compressThreshold > 0 && len(body) >= s.compressThreshold

	if err := s.writeBlob(id, body, compressed); err != nil {
		return "", fmt.Errorf("write artifact blob %s: %w", id, err)
	}

	rec := record{ID: id, Kind: kind, TS: time.Now().Unix(), Meta: meta, Compressed: compressed}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal artifact record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.indexW.Write(data); err != nil {
		return "", fmt.Errorf("write artifact index: %w", err)
	}
	if err := s.indexW.WriteByte('\n'); err != nil {
		return "", err
	}
	if err := s.indexW.Flush(); err != nil {
		return "", fmt.Errorf("flush artifact index: %w", err)
	}
	return id, nil
}

func (s *Store) blobPath(id string, compressed bool) string {
	if compressed {
		return filepath.Join(s.dir, id+".txt.zst")
	}
	return filepath.Join(s.dir, id+".txt")
}

func (s *Store) writeBlob(id, body string, compressed bool) error {
	f, err := os.Create(s.blobPath(id, compressed))
	if err != nil {
		return err
	}
	defer f.Close()

	if !compressed {
		_, err := f.WriteString(body)
		return err
	}

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := zw.Write([]byte(body)); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// Get loads a stored artifact by id, truncating to maxChars bytes when
// maxChars > 0. It tries the uncompressed path first, then the
// zstd-compressed path, so a read never depends on scanning the index.
func (s *Store) Get(id string, maxChars int) (string, error) {
	body, err := s.readBlob(id)
	if err != nil {
		return "", err
	}
	if maxChars > 0 && len(body) > maxChars {
		return body[:maxChars], nil
	}
	return body, nil
}

func (s *Store) readBlob(id string) (string, error) {
	if data, err := os.ReadFile(s.blobPath(id, false)); err == nil {
		return string(data), nil
	}

	f, err := os.Open(s.blobPath(id, true))
	if err != nil {
		return "", fmt.Errorf("artifact %s not found: %w", id, err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("decompress artifact %s: %w", id, err)
	}
	return string(data), nil
}

// Records replays index.jsonl, returning every artifact record in append
// order. Used by tools that want to scan artifact metadata without loading
// bodies (e.g. a future prune or export command).
func (s *Store) Records() ([]record, error) {
	f, err := os.Open(filepath.Join(s.dir, indexBasename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// parseBlobID is used by tests to confirm generated ids follow the
// "<unix-ts>-<8-hex>" shape.
func parseBlobID(id string) (ts int64, hex string, ok bool) {
	idx := -1
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '-' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, "", false
	}
	ts, err := strconv.ParseInt(id[:idx], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return ts, id[idx+1:], true
}

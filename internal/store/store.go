package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"modelplane/pkg/types"
)

// Store is a content-addressed checkpoint store. Blob bytes live in
// append-only files under <dir>/blobs, the artifact index lives in a
// sqlite database under <dir>/index.db. Committed artifacts are immutable
// and served to readers through shared read-only mappings.
type Store struct {
	dir string
	db  *sql.DB
	log zerolog.Logger

	mu      sync.RWMutex
	pending map[types.ArtifactID]types.ArtifactManifest
	mapped  map[types.ArtifactID][]byte
	// Mappings of collected artifacts. Readers copy from mappings without
	// holding mu, so GC must not unmap them; they wait here for Close.
	retired [][]byte
}

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	id           TEXT PRIMARY KEY,
	total_bytes  INTEGER NOT NULL,
	created_unix INTEGER NOT NULL,
	manifest     TEXT NOT NULL
);
`

// Open initializes the store under dir, creating it if needed.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty store dir")
	}
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("create blobs dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}
	dsn := filepath.Join(dir, "index.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init index schema: %w", err)
	}
	s := &Store{
		dir:     dir,
		db:      db,
		log:     log,
		pending: make(map[types.ArtifactID]types.ArtifactManifest),
		mapped:  make(map[types.ArtifactID][]byte),
	}
	return s, nil
}

// Close unmaps all blobs, live and retired, and closes the index. The
// caller must have stopped serving reads first.
func (s *Store) Close() error {
	s.mu.Lock()
	for id, b := range s.mapped {
		_ = munmap(b)
		delete(s.mapped, id)
	}
	for _, b := range s.retired {
		_ = munmap(b)
	}
	s.retired = nil
	s.mu.Unlock()
	return s.db.Close()
}

// blobPath derives the on-disk filename from the artifact id. Ids can carry
// arbitrary characters, so the filename is the hex of their sha256.
func (s *Store) blobPath(id types.ArtifactID) string {
	sum := sha256.Sum256([]byte(id))
	return filepath.Join(s.dir, "blobs", hex.EncodeToString(sum[:])+".blob")
}

// BeginUpload registers a pending manifest so that data can follow.
// Returns an already-stored error for committed ids (content addressed:
// duplicate puts are no-ops for callers).
func (s *Store) BeginUpload(ctx context.Context, m types.ArtifactManifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	exists, err := s.Exists(ctx, m.ID)
	if err != nil {
		return err
	}
	if exists {
		return alreadyStoredError{id: string(m.ID)}
	}
	s.mu.Lock()
	s.pending[m.ID] = m
	s.mu.Unlock()
	return nil
}

// WriteData streams the artifact bytes for a previously registered
// manifest, verifying each shard's checksum as it is copied. A partially
// written or corrupt artifact is never visible: bytes go to a temp file
// that is renamed into place only after every shard verified.
func (s *Store) WriteData(ctx context.Context, id types.ArtifactID, r io.Reader) error {
	s.mu.RLock()
	m, ok := s.pending[id]
	s.mu.RUnlock()
	if !ok {
		exists, err := s.Exists(ctx, id)
		if err != nil {
			return err
		}
		if exists {
			return alreadyStoredError{id: string(id)}
		}
		return noUploadError{id: string(id)}
	}

	f, err := os.CreateTemp(filepath.Join(s.dir, "tmp"), "upload-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmp := f.Name()
	defer func() {
		f.Close()
		os.Remove(tmp)
	}()

	for i, shard := range m.Shards {
		if err := ctx.Err(); err != nil {
			return err
		}
		h := sha256.New()
		n, err := io.CopyN(io.MultiWriter(f, h), r, shard.Length)
		if err != nil || n != shard.Length {
			return ErrIntegrity(string(id), i)
		}
		if hex.EncodeToString(h.Sum(nil)) != shard.Checksum {
			return ErrIntegrity(string(id), i)
		}
	}
	// Trailing bytes beyond the manifest are a mismatch too.
	var one [1]byte
	if n, _ := r.Read(one[:]); n != 0 {
		return ErrIntegrity(string(id), len(m.Shards)-1)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync blob: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp, s.blobPath(id)); err != nil {
		return fmt.Errorf("commit blob: %w", err)
	}

	mj, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, total_bytes, created_unix, manifest) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		string(id), m.TotalBytes, time.Now().Unix(), string(mj))
	if err != nil {
		return fmt.Errorf("index artifact: %w", err)
	}

	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()

	s.log.Info().Str("artifact", string(id)).Int64("bytes", m.TotalBytes).
		Int("shards", len(m.Shards)).Msg("artifact stored")
	return nil
}

// Put stores a complete artifact in one call.
func (s *Store) Put(ctx context.Context, m types.ArtifactManifest, r io.Reader) error {
	if err := s.BeginUpload(ctx, m); err != nil {
		return err
	}
	return s.WriteData(ctx, m.ID, r)
}

// Exists reports whether the artifact has been committed.
func (s *Store) Exists(ctx context.Context, id types.ArtifactID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM artifacts WHERE id = ?`, string(id)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query artifact: %w", err)
	}
	return n > 0, nil
}

// Manifest returns the manifest for a committed artifact.
func (s *Store) Manifest(ctx context.Context, id types.ArtifactID) (types.ArtifactManifest, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT manifest FROM artifacts WHERE id = ?`, string(id)).Scan(&raw)
	if err == sql.ErrNoRows {
		return types.ArtifactManifest{}, ErrArtifactNotFound(string(id))
	}
	if err != nil {
		return types.ArtifactManifest{}, fmt.Errorf("query manifest: %w", err)
	}
	var m types.ArtifactManifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return types.ArtifactManifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// Get returns a copy of the requested byte range. length < 0 means "to the
// end of the artifact". Concurrent gets share the mapping and never block
// each other; only the mapping-cache lookup takes a lock.
func (s *Store) Get(ctx context.Context, id types.ArtifactID, off, length int64) ([]byte, error) {
	data, err := s.mappedBlob(ctx, id)
	if err != nil {
		return nil, err
	}
	size := int64(len(data))
	if length < 0 {
		length = size - off
	}
	// length is compared against the remainder so the sum cannot overflow.
	if off < 0 || off > size || length < 0 || length > size-off {
		return nil, rangeError{id: string(id), off: off, length: length, size: size}
	}
	out := make([]byte, length)
	copy(out, data[off:off+length])
	return out, nil
}

// mappedBlob returns the shared read-only mapping for a committed blob,
// establishing it on first access.
func (s *Store) mappedBlob(ctx context.Context, id types.ArtifactID) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.mapped[id]
	s.mu.RUnlock()
	if ok {
		return data, nil
	}

	m, err := s.Manifest(ctx, id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.blobPath(id))
	if err != nil {
		return nil, ErrArtifactNotFound(string(id))
	}
	defer f.Close()
	data, err = mmapFile(f, m.TotalBytes)
	if err != nil {
		return nil, fmt.Errorf("map blob %s: %w", id, err)
	}

	s.mu.Lock()
	if prior, ok := s.mapped[id]; ok {
		// Another reader won the race; keep theirs.
		s.mu.Unlock()
		_ = munmap(data)
		return prior, nil
	}
	s.mapped[id] = data
	s.mu.Unlock()
	return data, nil
}

// Verify re-hashes every shard of a committed artifact against its
// manifest.
func (s *Store) Verify(ctx context.Context, id types.ArtifactID) error {
	m, err := s.Manifest(ctx, id)
	if err != nil {
		return err
	}
	data, err := s.mappedBlob(ctx, id)
	if err != nil {
		return err
	}
	for i, shard := range m.Shards {
		sum := sha256.Sum256(data[shard.Offset : shard.Offset+shard.Length])
		if hex.EncodeToString(sum[:]) != shard.Checksum {
			return ErrIntegrity(string(id), i)
		}
	}
	return nil
}

// List returns manifests of all committed artifacts, oldest first.
func (s *Store) List(ctx context.Context) ([]types.ArtifactManifest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT manifest FROM artifacts ORDER BY created_unix, id`)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	var out []types.ArtifactManifest
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var m types.ArtifactManifest
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode manifest: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GC deletes artifacts whose id is absent from the live set and returns
// the removed ids. Referenced artifacts are never touched.
func (s *Store) GC(ctx context.Context, live map[types.ArtifactID]bool) ([]types.ArtifactID, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var removed []types.ArtifactID
	for _, m := range all {
		if live[m.ID] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, string(m.ID)); err != nil {
			return removed, fmt.Errorf("unindex artifact %s: %w", m.ID, err)
		}
		// An in-flight Get may still be copying from the mapping, so it
		// is only retired here and unmapped at Close.
		s.mu.Lock()
		if b, ok := s.mapped[m.ID]; ok {
			s.retired = append(s.retired, b)
			delete(s.mapped, m.ID)
		}
		s.mu.Unlock()
		if err := os.Remove(s.blobPath(m.ID)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove blob %s: %w", m.ID, err)
		}
		removed = append(removed, m.ID)
		s.log.Info().Str("artifact", string(m.ID)).Msg("artifact collected")
	}
	return removed, nil
}

package main

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeCheckpoint(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(1)).Read(data)
	p := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestManifestFromFile(t *testing.T) {
	p := writeCheckpoint(t, 300)
	m, err := manifestFromFile(p, "model", 128)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if m.TotalBytes != 300 || len(m.Shards) != 3 {
		t.Fatalf("manifest: total=%d shards=%d", m.TotalBytes, len(m.Shards))
	}
	if m.Shards[2].Length != 44 {
		t.Fatalf("tail shard length: %d", m.Shards[2].Length)
	}
	if !strings.HasPrefix(string(m.ID), "model@") {
		t.Fatalf("id: %s", m.ID)
	}

	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i, s := range m.Shards {
		sum := sha256.Sum256(data[s.Offset : s.Offset+s.Length])
		if hex.EncodeToString(sum[:]) != s.Checksum {
			t.Fatalf("shard %d checksum mismatch", i)
		}
	}
}

func TestManifestFromFileDeterministicID(t *testing.T) {
	p := writeCheckpoint(t, 1000)
	a, err := manifestFromFile(p, "m", 256)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	// Shard size does not change the id; it hashes the whole stream.
	b, err := manifestFromFile(p, "m", 512)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("id depends on shard size: %s vs %s", a.ID, b.ID)
	}
}

func TestManifestFromFileEmpty(t *testing.T) {
	p := filepath.Join(t.TempDir(), "empty.bin")
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := manifestFromFile(p, "m", 128); err == nil {
		t.Fatalf("expected error for empty file")
	}
}

package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"modelplane/pkg/types"
)

// genArtifact generates artifact bytes together with a shard split.
func genArtifact() gopter.Gen {
	return gen.IntRange(1, 1<<16).FlatMap(func(v interface{}) gopter.Gen {
		size := v.(int)
		return gen.SliceOfN(size, gen.UInt8()).FlatMap(func(d interface{}) gopter.Gen {
			data := d.([]byte)
			return gen.IntRange(1, 8).Map(func(parts int) artifactCase {
				return splitArtifact(data, parts)
			})
		}, nil)
	}, nil)
}

type artifactCase struct {
	data   []byte
	shards []types.ShardDescriptor
}

func splitArtifact(data []byte, parts int) artifactCase {
	if parts > len(data) {
		parts = len(data)
	}
	chunk := len(data) / parts
	var shards []types.ShardDescriptor
	var off int
	for i := 0; i < parts; i++ {
		end := off + chunk
		if i == parts-1 {
			end = len(data)
		}
		sum := sha256.Sum256(data[off:end])
		shards = append(shards, types.ShardDescriptor{
			Offset:   int64(off),
			Length:   int64(end - off),
			Checksum: hex.EncodeToString(sum[:]),
		})
		off = end
	}
	return artifactCase{data: data, shards: shards}
}

func TestPutGetRoundtripProperty(t *testing.T) {
	s, err := Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	seq := 0
	properties.Property("stored bytes read back identical for any shard split", prop.ForAll(
		func(ac artifactCase) bool {
			seq++
			m := types.ArtifactManifest{
				ID:         types.ArtifactID(fmt.Sprintf("prop@%d", seq)),
				Shards:     ac.shards,
				TotalBytes: int64(len(ac.data)),
			}
			if err := s.Put(ctx, m, bytes.NewReader(ac.data)); err != nil {
				return false
			}
			got, err := s.Get(ctx, m.ID, 0, -1)
			if err != nil {
				return false
			}
			return bytes.Equal(got, ac.data) && s.Verify(ctx, m.ID) == nil
		},
		genArtifact(),
	))

	properties.Property("single flipped byte is rejected and leaves no artifact", prop.ForAll(
		func(ac artifactCase, flip int) bool {
			seq++
			m := types.ArtifactManifest{
				ID:         types.ArtifactID(fmt.Sprintf("prop-corrupt@%d", seq)),
				Shards:     ac.shards,
				TotalBytes: int64(len(ac.data)),
			}
			bad := append([]byte(nil), ac.data...)
			bad[flip%len(bad)] ^= 0xff
			if err := s.Put(ctx, m, bytes.NewReader(bad)); !IsIntegrity(err) {
				return false
			}
			exists, err := s.Exists(ctx, m.ID)
			return err == nil && !exists
		},
		genArtifact(),
		gen.IntRange(0, 1<<16),
	))

	properties.TestingRun(t)
}

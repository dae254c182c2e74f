package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"modelplane/internal/store"
	"modelplane/pkg/types"
)

const defaultShardBytes = 64 << 20

// newPutCmd uploads a local file as a checkpoint artifact. The file is
// split into fixed-size shards, each checksummed, and the artifact id is
// derived from the name and the whole-file digest so re-uploads of the
// same bytes are no-ops.
func newPutCmd(a *app) *cobra.Command {
	var (
		storeURL   string
		name       string
		shardBytes int64
	)
	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Upload a checkpoint file to the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storeURL = firstNonEmpty(storeURL, a.cfg.StoreURL)
			if storeURL == "" {
				return fmt.Errorf("put requires --store-url (or config)")
			}
			if shardBytes <= 0 {
				shardBytes = defaultShardBytes
			}
			path := args[0]
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}

			m, err := manifestFromFile(path, name, shardBytes)
			if err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			c := store.NewClient(storeURL)
			if err := c.Put(cmd.Context(), m, f); err != nil {
				return err
			}
			a.log.Info().
				Str("artifact", string(m.ID)).
				Int64("bytes", m.TotalBytes).
				Int("shards", len(m.Shards)).
				Msg("uploaded")
			fmt.Fprintln(cmd.OutOrStdout(), m.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&storeURL, "store-url", "", "Base URL of the checkpoint store")
	cmd.Flags().StringVar(&name, "name", "", "Artifact name (default: file basename without extension)")
	cmd.Flags().Int64Var(&shardBytes, "shard-bytes", 0, "Shard size in bytes (default 64MiB)")
	return cmd
}

// manifestFromFile reads the file once, checksumming each shard and the
// whole stream, and builds the manifest with id "<name>@<digest12>".
func manifestFromFile(path, name string, shardBytes int64) (types.ArtifactManifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.ArtifactManifest{}, err
	}
	defer f.Close()

	whole := sha256.New()
	var shards []types.ShardDescriptor
	var offset int64
	for {
		h := sha256.New()
		n, err := io.CopyN(io.MultiWriter(h, whole), f, shardBytes)
		if n > 0 {
			shards = append(shards, types.ShardDescriptor{
				Offset:   offset,
				Length:   n,
				Checksum: hex.EncodeToString(h.Sum(nil)),
			})
			offset += n
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return types.ArtifactManifest{}, err
		}
	}
	if offset == 0 {
		return types.ArtifactManifest{}, fmt.Errorf("put %s: empty file", path)
	}
	digest := hex.EncodeToString(whole.Sum(nil))
	return types.ArtifactManifest{
		ID:         types.ArtifactID(name + "@" + digest[:12]),
		Shards:     shards,
		TotalBytes: offset,
	}, nil
}

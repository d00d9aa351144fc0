// Copyright 2025 Certen Protocol

package checkpointstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	relayerrs "github.com/interlayer-xyz/relay-core/pkg/errs"
	"github.com/interlayer-xyz/relay-core/pkg/model"
)

// GCSStore serves the same logical paths as the filesystem backend, but as
// object names under a bucket. Readers hit the bucket's public URL over
// plain HTTP so any relayer can fetch a validator's checkpoints without
// credentials; the validator itself writes through an authenticated
// storage.Client session.
type GCSStore struct {
	bucket       string
	prefix       string
	publicBase   string
	client       *storage.Client // nil for a read-only instance
	httpClient   *http.Client
}

// GCSStoreConfig mirrors pkg/firestore/client.go's enable-gated
// constructor shape: CredentialsFile is only needed by a writer.
type GCSStoreConfig struct {
	Bucket          string
	Prefix          string // optional object-name prefix, e.g. "ethereum/validator-a"
	CredentialsFile string // empty for a read-only (relayer-side) instance
}

// NewGCSStore builds a store. When CredentialsFile is empty the returned
// store can read but any write call fails with errs.ConfigMismatch.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, relayerrs.ConfigMismatchErr("checkpointstore.NewGCSStore", errors.New("bucket is required"))
	}
	publicBase := "https://storage.googleapis.com/" + cfg.Bucket
	if cfg.Prefix != "" {
		publicBase += "/" + cfg.Prefix
	}
	s := &GCSStore{
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		publicBase: publicBase,
		httpClient: http.DefaultClient,
	}
	if cfg.CredentialsFile != "" {
		client, err := storage.NewClient(ctx, option.WithCredentialsFile(cfg.CredentialsFile))
		if err != nil {
			return nil, relayerrs.TransientErr("checkpointstore.NewGCSStore", err)
		}
		s.client = client
	}
	return s, nil
}

func (s *GCSStore) objectName(object string) string {
	if s.prefix == "" {
		return object
	}
	return s.prefix + "/" + object
}

func (s *GCSStore) readJSONPublic(ctx context.Context, object string, out interface{}) (bool, error) {
	url := s.publicBase + "/" + object
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, relayerrs.InternalErr("checkpointstore.gcs.read", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, relayerrs.TransientErr("checkpointstore.gcs.read", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, relayerrs.TransientErr("checkpointstore.gcs.read", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, relayerrs.TransientErr("checkpointstore.gcs.read", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, relayerrs.InternalErr("checkpointstore.gcs.read", err)
	}
	return true, nil
}

func (s *GCSStore) writeJSON(ctx context.Context, object string, v interface{}) error {
	if s.client == nil {
		return relayerrs.ConfigMismatchErr("checkpointstore.gcs.write", errors.New("store opened read-only, no credentials file"))
	}
	b, err := json.Marshal(v)
	if err != nil {
		return relayerrs.InternalErr("checkpointstore.gcs.write", err)
	}
	w := s.client.Bucket(s.bucket).Object(s.objectName(object)).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(b); err != nil {
		_ = w.Close()
		return relayerrs.TransientErr("checkpointstore.gcs.write", err)
	}
	if err := w.Close(); err != nil {
		return relayerrs.TransientErr("checkpointstore.gcs.write", err)
	}
	return nil
}

func (s *GCSStore) LatestIndex(ctx context.Context) (*uint32, error) {
	var raw int64
	found, err := s.readJSONPublic(ctx, latestIndexObject, &raw)
	if err != nil || !found {
		return nil, err
	}
	idx := uint32(raw)
	return &idx, nil
}

func (s *GCSStore) WriteLatestIndex(ctx context.Context, index uint32) error {
	return s.writeJSON(ctx, latestIndexObject, int64(index))
}

func (s *GCSStore) FetchCheckpoint(ctx context.Context, index uint32) (*model.SignedCheckpoint, error) {
	var sc model.SignedCheckpoint
	found, err := s.readJSONPublic(ctx, fmt.Sprintf(checkpointObjectFmt, index), &sc)
	if err != nil || !found {
		return nil, err
	}
	return &sc, nil
}

func (s *GCSStore) WriteCheckpoint(ctx context.Context, sc *model.SignedCheckpoint) error {
	return s.writeJSON(ctx, fmt.Sprintf(checkpointObjectFmt, sc.Value.Index), sc)
}

func (s *GCSStore) WriteAnnouncement(ctx context.Context, sa *model.SignedAnnouncement) error {
	return s.writeJSON(ctx, announcementObject, sa)
}

func (s *GCSStore) AnnouncementLocation() string {
	return s.publicBase
}

func (s *GCSStore) ReorgStatus(ctx context.Context) (*model.ReorgEvent, error) {
	var ev model.ReorgEvent
	found, err := s.readJSONPublic(ctx, reorgFlagObject, &ev)
	if err != nil || !found {
		return nil, err
	}
	return &ev, nil
}

func (s *GCSStore) WriteReorgStatus(ctx context.Context, ev *model.ReorgEvent) error {
	return s.writeJSON(ctx, reorgFlagObject, ev)
}

// ListCheckpointIndices enumerates every checkpoint object currently in the
// bucket under this store's prefix, for operator tooling / backfill.
func (s *GCSStore) ListCheckpointIndices(ctx context.Context) ([]uint32, error) {
	if s.client == nil {
		return nil, relayerrs.ConfigMismatchErr("checkpointstore.gcs.list", errors.New("store opened read-only"))
	}
	var indices []uint32
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.objectName("checkpoint_")})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, relayerrs.TransientErr("checkpointstore.gcs.list", err)
		}
		name := attrs.Name
		if s.prefix != "" {
			name = name[len(s.prefix)+1:]
		}
		if idx, ok := ParseCheckpointIndexFromObject(name); ok {
			indices = append(indices, idx)
		}
	}
	return indices, nil
}

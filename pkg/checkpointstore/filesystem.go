// Copyright 2025 Certen Protocol

package checkpointstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/interlayer-xyz/relay-core/pkg/errs"
	"github.com/interlayer-xyz/relay-core/pkg/model"
)

// FilesystemStore implements Store directly against a local directory,
// following the reference layout from spec §6.
type FilesystemStore struct {
	baseDir string
}

// NewFilesystemStore returns a store rooted at dir, creating it if absent.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.TransientErr("checkpointstore.NewFilesystemStore", err)
	}
	return &FilesystemStore{baseDir: dir}, nil
}

func (s *FilesystemStore) path(object string) string {
	return filepath.Join(s.baseDir, object)
}

func (s *FilesystemStore) readJSON(object string, out interface{}) (bool, error) {
	b, err := os.ReadFile(s.path(object))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errs.TransientErr("checkpointstore.readJSON", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, errs.InternalErr("checkpointstore.readJSON", err)
	}
	return true, nil
}

func (s *FilesystemStore) writeJSON(object string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.InternalErr("checkpointstore.writeJSON", err)
	}
	tmp := s.path(object) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errs.TransientErr("checkpointstore.writeJSON", err)
	}
	if err := os.Rename(tmp, s.path(object)); err != nil {
		return errs.TransientErr("checkpointstore.writeJSON", err)
	}
	return nil
}

func (s *FilesystemStore) LatestIndex(ctx context.Context) (*uint32, error) {
	var raw int64
	found, err := s.readJSON(latestIndexObject, &raw)
	if err != nil || !found {
		return nil, err
	}
	idx := uint32(raw)
	return &idx, nil
}

func (s *FilesystemStore) WriteLatestIndex(ctx context.Context, index uint32) error {
	return s.writeJSON(latestIndexObject, int64(index))
}

func (s *FilesystemStore) FetchCheckpoint(ctx context.Context, index uint32) (*model.SignedCheckpoint, error) {
	var sc model.SignedCheckpoint
	found, err := s.readJSON(fmt.Sprintf(checkpointObjectFmt, index), &sc)
	if err != nil || !found {
		return nil, err
	}
	return &sc, nil
}

func (s *FilesystemStore) WriteCheckpoint(ctx context.Context, sc *model.SignedCheckpoint) error {
	return s.writeJSON(fmt.Sprintf(checkpointObjectFmt, sc.Value.Index), sc)
}

func (s *FilesystemStore) WriteAnnouncement(ctx context.Context, sa *model.SignedAnnouncement) error {
	return s.writeJSON(announcementObject, sa)
}

func (s *FilesystemStore) AnnouncementLocation() string {
	return "file://" + s.baseDir
}

func (s *FilesystemStore) ReorgStatus(ctx context.Context) (*model.ReorgEvent, error) {
	var ev model.ReorgEvent
	found, err := s.readJSON(reorgFlagObject, &ev)
	if err != nil || !found {
		return nil, err
	}
	return &ev, nil
}

func (s *FilesystemStore) WriteReorgStatus(ctx context.Context, ev *model.ReorgEvent) error {
	return s.writeJSON(reorgFlagObject, ev)
}

// ParseCheckpointIndexFromObject extracts the numeric index from a
// "checkpoint_<n>.json" object name, used by backends that list objects
// rather than fetching them by known name.
func ParseCheckpointIndexFromObject(name string) (uint32, bool) {
	if !strings.HasPrefix(name, "checkpoint_") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	middle := strings.TrimSuffix(strings.TrimPrefix(name, "checkpoint_"), ".json")
	if middle == "latest_index" {
		return 0, false
	}
	n, err := strconv.ParseUint(middle, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

package repository

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/openclaw/wa-session-broker/internal/model"
)

const SnapshotFile = "contacts.json"

type SnapshotRepository interface {
	// Dir returns the auth directory of a user.
	Dir(userID string) string
	EnsureDir(userID string) (string, error)
	Save(userID string, snapshot *model.Snapshot) error
	// Load returns nil without error when no snapshot has been written yet.
	Load(userID string) (*model.Snapshot, error)
	// Wipe deletes credentials and snapshot, leaving an empty directory behind.
	Wipe(userID string) error
	ListUsers() ([]string, error)
}

type fileSnapshotRepo struct {
	root string
}

func NewSnapshotRepository(root string) (SnapshotRepository, error) {
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &fileSnapshotRepo{root: root}, nil
}

func (r *fileSnapshotRepo) Dir(userID string) string {
	return filepath.Join(r.root, userID)
}

func (r *fileSnapshotRepo) EnsureDir(userID string) (string, error) {
	dir := r.Dir(userID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return dir, nil
}

func (r *fileSnapshotRepo) Save(userID string, snapshot *model.Snapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return writeAtomic(filepath.Join(r.Dir(userID), SnapshotFile), data)
}

func (r *fileSnapshotRepo) Load(userID string) (*model.Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(r.Dir(userID), SnapshotFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

func (r *fileSnapshotRepo) Wipe(userID string) error {
	dir := r.Dir(userID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("recreate session dir: %w", err)
	}
	return nil
}

func (r *fileSnapshotRepo) ListUsers() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("list sessions dir: %w", err)
	}

	users := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			users = append(users, e.Name())
		}
	}
	sort.Strings(users)
	return users, nil
}

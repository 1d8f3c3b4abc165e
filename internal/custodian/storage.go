package custodian

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/c2h5oh/datasize"

	"github.com/ethosengine/elohim/internal/core"
)

const hashSuffix = ".sha256"

// FragmentStore keeps fragments on local disk as <dataDir>/<content>/<index>
// with the hash recorded at store time beside each one.
type FragmentStore struct {
	dataDir  string
	capacity uint64
	reserved uint64

	mu     sync.RWMutex
	hashes map[string]string
	sizes  map[string]uint64
	used   uint64
}

// StorageStats is a point-in-time view of the store.
type StorageStats struct {
	Fragments int
	Used      datasize.ByteSize
	Capacity  datasize.ByteSize
	Reserved  datasize.ByteSize
	DiskFree  datasize.ByteSize
}

func NewFragmentStore(cfg StorageConfig) (*FragmentStore, error) {
	capacity, err := parseSize(cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("storage.capacity: %w", err)
	}
	reserved, err := parseSize(cfg.Reserved)
	if err != nil {
		return nil, fmt.Errorf("storage.reserved: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	diskFree, err := getDiskFreeSpace(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get disk space: %w", err)
	}
	if diskFree <= reserved.Bytes() {
		return nil, fmt.Errorf("%w: %s free, %s reserved", core.ErrStorageFull,
			datasize.ByteSize(diskFree).HumanReadable(), reserved.HumanReadable())
	}

	s := &FragmentStore{
		dataDir:  cfg.DataDir,
		capacity: capacity.Bytes(),
		reserved: reserved.Bytes(),
		hashes:   make(map[string]string),
		sizes:    make(map[string]uint64),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	log.Infow("fragment store opened", "dir", cfg.DataDir, "capacity", capacity.HumanReadable(),
		"reserved", reserved.HumanReadable(), "fragments", len(s.hashes),
		"used", datasize.ByteSize(s.used).HumanReadable())
	return s, nil
}

func parseSize(s string) (datasize.ByteSize, error) {
	var v datasize.ByteSize
	if s == "" {
		return 0, nil
	}
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return v, nil
}

// getDiskFreeSpace returns available bytes in the filesystem
func getDiskFreeSpace(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// load rebuilds the in-memory index from disk.
func (s *FragmentStore) load() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return err
	}
	for _, dir := range entries {
		if !dir.IsDir() || !core.ValidContentID(dir.Name()) {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.dataDir, dir.Name()))
		if err != nil {
			return err
		}
		for _, f := range files {
			index, err := strconv.Atoi(f.Name())
			if err != nil {
				continue
			}
			k := fragmentKey(dir.Name(), index)
			hash, err := os.ReadFile(s.path(dir.Name(), index) + hashSuffix)
			if err != nil {
				log.Warnw("fragment without recorded hash", "content", dir.Name(), "index", index)
				continue
			}
			info, err := f.Info()
			if err != nil {
				return err
			}
			s.hashes[k] = string(hash)
			s.sizes[k] = uint64(info.Size())
			s.used += uint64(info.Size())
		}
	}
	return nil
}

func fragmentKey(contentID string, index int) string {
	return contentID + "/" + strconv.Itoa(index)
}

func (s *FragmentStore) path(contentID string, index int) string {
	return filepath.Join(s.dataDir, contentID, strconv.Itoa(index))
}

func checkRef(contentID string, index int) error {
	if !core.ValidContentID(contentID) || index < 0 || index > 255 {
		return fmt.Errorf("%w: fragment %s[%d]", core.ErrInvalidRequest, contentID, index)
	}
	return nil
}

// Put stores a fragment after checking its bytes against hash. Storing the
// same bytes again is a no-op.
func (s *FragmentStore) Put(contentID string, index int, hash string, data []byte) error {
	if err := checkRef(contentID, index); err != nil {
		return err
	}
	if core.FragmentHash(data) != hash {
		return fmt.Errorf("%w: fragment %s[%d]", core.ErrHashMismatch, contentID, index)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := fragmentKey(contentID, index)
	if s.hashes[k] == hash {
		return nil
	}
	size := uint64(len(data))
	if s.capacity > 0 && s.used-s.sizes[k]+size > s.capacity {
		return fmt.Errorf("%w: %s of %s used", core.ErrStorageFull,
			datasize.ByteSize(s.used).HumanReadable(), datasize.ByteSize(s.capacity).HumanReadable())
	}
	diskFree, err := getDiskFreeSpace(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to check disk space: %w", err)
	}
	if diskFree < s.reserved+size {
		log.Errorw("insufficient disk space", "needed", size, "free", diskFree, "reserved", s.reserved)
		return fmt.Errorf("%w: disk below reserve", core.ErrStorageFull)
	}

	p := s.path(contentID, index)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	if err := writeFile(p, data); err != nil {
		return fmt.Errorf("failed to write fragment: %w", err)
	}
	if err := writeFile(p+hashSuffix, []byte(hash)); err != nil {
		return fmt.Errorf("failed to write fragment hash: %w", err)
	}
	s.used = s.used - s.sizes[k] + size
	s.hashes[k] = hash
	s.sizes[k] = size
	log.Debugw("fragment stored", "content", contentID, "index", index, "bytes", size)
	return nil
}

// writeFile replaces path atomically.
func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FragmentStore) Get(contentID string, index int) ([]byte, error) {
	if err := checkRef(contentID, index); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.hashes[fragmentKey(contentID, index)]; !ok {
		return nil, fmt.Errorf("%w: fragment %s[%d]", core.ErrNotFound, contentID, index)
	}
	data, err := os.ReadFile(s.path(contentID, index))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: fragment %s[%d]", core.ErrNotFound, contentID, index)
	}
	return data, err
}

// Hash recomputes the hash of the stored bytes, so a probe proves the
// fragment is still intact rather than echoing the recorded value.
func (s *FragmentStore) Hash(contentID string, index int) (string, error) {
	data, err := s.Get(contentID, index)
	if err != nil {
		return "", err
	}
	return core.FragmentHash(data), nil
}

// Delete drops a fragment. Deleting an absent fragment is not an error.
func (s *FragmentStore) Delete(contentID string, index int) error {
	if err := checkRef(contentID, index); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fragmentKey(contentID, index)
	if _, ok := s.hashes[k]; !ok {
		return nil
	}
	p := s.path(contentID, index)
	for _, f := range []string{p, p + hashSuffix} {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	s.used -= s.sizes[k]
	delete(s.hashes, k)
	delete(s.sizes, k)
	_ = os.Remove(filepath.Dir(p))
	return nil
}

// StoredFragment is one entry of the store's index.
type StoredFragment struct {
	ContentID string
	Index     int
	Hash      string
}

// List returns the index ordered by content and fragment index.
func (s *FragmentStore) List() []StoredFragment {
	s.mu.RLock()
	out := make([]StoredFragment, 0, len(s.hashes))
	for k, h := range s.hashes {
		cid, idx := splitKey(k)
		out = append(out, StoredFragment{ContentID: cid, Index: idx, Hash: h})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContentID != out[j].ContentID {
			return out[i].ContentID < out[j].ContentID
		}
		return out[i].Index < out[j].Index
	})
	return out
}

func splitKey(k string) (string, int) {
	i := strings.LastIndexByte(k, '/')
	idx, _ := strconv.Atoi(k[i+1:])
	return k[:i], idx
}

func (s *FragmentStore) Stats() StorageStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	diskFree, _ := getDiskFreeSpace(s.dataDir)
	return StorageStats{
		Fragments: len(s.hashes),
		Used:      datasize.ByteSize(s.used),
		Capacity:  datasize.ByteSize(s.capacity),
		Reserved:  datasize.ByteSize(s.reserved),
		DiskFree:  datasize.ByteSize(diskFree),
	}
}

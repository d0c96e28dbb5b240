package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clipboardpush/signal-coordinator/internal/v1/metrics"
	"github.com/clipboardpush/signal-coordinator/internal/v1/registry"
)

const backendLocal = "local"

type sidecar struct {
	ContentType string `json:"content_type"`
	CreatedAt   int64  `json:"created_at"`
}

// LocalStore serves uploads/downloads itself from a directory on disk,
// stamping every object with a `.meta` sidecar carrying its content type
// and creation time.
type LocalStore struct {
	dir     string
	baseURL string
}

// NewLocalStore builds a LocalStore rooted at dir, creating it if absent.
func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create storage dir: %w", err)
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *LocalStore) dataPath(fileKey string) string { return filepath.Join(s.dir, fileKey) }
func (s *LocalStore) metaPath(fileKey string) string { return filepath.Join(s.dir, fileKey+".meta") }

// IssueUploadSlot mints a file_key and returns same-process upload/download
// URLs; the actual bytes are accepted later via Write through the PUT
// handler.
func (s *LocalStore) IssueUploadSlot(ctx context.Context, filename, contentType string) (UploadSlot, error) {
	fileKey := fmt.Sprintf("%d_%s", registry.NowMs(), sanitizeFilename(filename))
	metrics.ObjectStoreOperationsTotal.WithLabelValues(backendLocal, "issue_upload_slot", "ok").Inc()
	return UploadSlot{
		UploadURL:   s.baseURL + "/api/file/upload/" + fileKey,
		DownloadURL: s.baseURL + "/api/file/download/" + fileKey,
		FileKey:     fileKey,
		ExpiresInS:  putURLValiditySeconds,
	}, nil
}

// Write stores data under fileKey alongside a sidecar recording contentType
// and the current time, per the original local_storage_service's
// write_file.
func (s *LocalStore) Write(ctx context.Context, fileKey string, data []byte, contentType string) error {
	if err := os.WriteFile(s.dataPath(fileKey), data, 0o644); err != nil {
		metrics.ObjectStoreOperationsTotal.WithLabelValues(backendLocal, "write", "error").Inc()
		return fmt.Errorf("objectstore: write %s: %w", fileKey, err)
	}
	meta := sidecar{ContentType: contentType, CreatedAt: time.Now().Unix()}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		metrics.ObjectStoreOperationsTotal.WithLabelValues(backendLocal, "write", "error").Inc()
		return err
	}
	if err := os.WriteFile(s.metaPath(fileKey), metaBytes, 0o644); err != nil {
		metrics.ObjectStoreOperationsTotal.WithLabelValues(backendLocal, "write", "error").Inc()
		return fmt.Errorf("objectstore: write sidecar for %s: %w", fileKey, err)
	}
	metrics.ObjectStoreOperationsTotal.WithLabelValues(backendLocal, "write", "ok").Inc()
	return nil
}

// Read returns the object's bytes and stored content type, defaulting to
// application/octet-stream when the sidecar is missing or unreadable.
func (s *LocalStore) Read(ctx context.Context, fileKey string) ([]byte, string, error) {
	data, err := os.ReadFile(s.dataPath(fileKey))
	if os.IsNotExist(err) {
		metrics.ObjectStoreOperationsTotal.WithLabelValues(backendLocal, "read", "not_found").Inc()
		return nil, "", ErrNotFound
	}
	if err != nil {
		metrics.ObjectStoreOperationsTotal.WithLabelValues(backendLocal, "read", "error").Inc()
		return nil, "", fmt.Errorf("objectstore: read %s: %w", fileKey, err)
	}

	contentType := "application/octet-stream"
	if metaBytes, err := os.ReadFile(s.metaPath(fileKey)); err == nil {
		var meta sidecar
		if json.Unmarshal(metaBytes, &meta) == nil && meta.ContentType != "" {
			contentType = meta.ContentType
		}
	}
	metrics.ObjectStoreOperationsTotal.WithLabelValues(backendLocal, "read", "ok").Inc()
	return data, contentType, nil
}

// Check reports whether the storage directory is reachable.
func (s *LocalStore) Check(ctx context.Context) string {
	if info, err := os.Stat(s.dir); err != nil || !info.IsDir() {
		return "unhealthy"
	}
	return "healthy"
}

// PurgeOlderThan deletes every object whose sidecar reports an age beyond
// maxAge, mirroring the original housekeeper's purge_old_files. It returns
// the number of objects removed.
func (s *LocalStore) PurgeOlderThan(maxAge time.Duration) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	now := time.Now().Unix()
	purged := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".meta") {
			continue
		}
		metaBytes, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var meta sidecar
		if json.Unmarshal(metaBytes, &meta) != nil {
			continue
		}
		if now-meta.CreatedAt <= int64(maxAge.Seconds()) {
			continue
		}
		fileKey := strings.TrimSuffix(name, ".meta")
		_ = os.Remove(filepath.Join(s.dir, fileKey))
		_ = os.Remove(filepath.Join(s.dir, name))
		purged++
	}
	if purged > 0 {
		metrics.HousekeeperPurgedTotal.Add(float64(purged))
	}
	return purged
}

func sanitizeFilename(filename string) string {
	filename = filepath.Base(filename)
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return "file"
	}
	return filename
}

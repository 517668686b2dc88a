package embed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/folder-mcp/folderd/internal/errors"
)

// downloadTimeout is the maximum time to wait for one model download attempt.
const downloadTimeout = 30 * time.Minute

// Installer downloads and caches cpu-kind model files. gpu-kind models are
// fetched by the helper process into its own cache; the installer never
// touches them.
type Installer struct {
	modelsDir string
	mu        sync.Mutex

	// Injected for tests.
	client *http.Client
	retry  errors.RetryConfig
}

// NewInstaller creates an installer writing into modelsDir, typically
// <state dir>/models.
func NewInstaller(modelsDir string) *Installer {
	return &Installer{
		modelsDir: modelsDir,
		client:    &http.Client{Timeout: downloadTimeout},
		retry:     errors.DefaultRetryConfig(),
	}
}

// ModelPath returns where the model's file lives once installed.
func (i *Installer) ModelPath(m ModelInfo) string {
	return filepath.Join(i.modelsDir, m.FileName)
}

// Installed reports whether the model file is present and non-empty.
func (i *Installer) Installed(m ModelInfo) bool {
	if m.FileName == "" {
		return false
	}
	info, err := os.Stat(i.ModelPath(m))
	return err == nil && info.Size() > 0
}

// EnsureModel ensures the model file is available, downloading if necessary.
// Returns the path to the model file. Concurrent daemons coordinate through
// a file lock; whoever wins downloads, the rest find the file on re-check.
func (i *Installer) EnsureModel(ctx context.Context, m ModelInfo, progressFn func(PullProgress)) (string, error) {
	if m.Kind != KindCPU || m.DownloadURL == "" || m.FileName == "" {
		return "", errors.New(errors.ErrCodeModelDownload,
			fmt.Sprintf("model %s has no direct download source", m.ID), nil)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	modelPath := i.ModelPath(m)
	if info, err := os.Stat(modelPath); err == nil && info.Size() > 0 {
		return modelPath, nil
	}

	if err := os.MkdirAll(i.modelsDir, 0755); err != nil {
		return "", errors.New(errors.ErrCodeModelDownload, "failed to create models directory", err)
	}

	lock := newDownloadLock(i.modelsDir)
	if err := lock.Lock(); err != nil {
		return "", errors.New(errors.ErrCodeModelDownload, "failed to acquire download lock", err)
	}
	defer func() { _ = lock.Unlock() }()

	// Check again after acquiring the lock (another process may have downloaded)
	if info, err := os.Stat(modelPath); err == nil && info.Size() > 0 {
		return modelPath, nil
	}

	err := errors.Retry(ctx, i.retry, func() error {
		return i.download(ctx, m, modelPath, progressFn)
	})
	if err != nil {
		return "", errors.New(errors.ErrCodeModelDownload,
			fmt.Sprintf("failed to download model %s", m.ID), err).
			WithDetail("url", m.DownloadURL)
	}

	return modelPath, nil
}

// download fetches the model file to destPath via a temp file and rename.
func (i *Installer) download(ctx context.Context, m ModelInfo, destPath string, progressFn func(PullProgress)) error {
	tmpPath := destPath + ".tmp"
	defer os.Remove(tmpPath) // Clean up on failure

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.DownloadURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "folderd/1.0")

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer file.Close()

	totalSize := resp.ContentLength
	if totalSize <= 0 {
		totalSize = m.SizeBytes
	}

	var downloaded int64
	buf := make([]byte, 32*1024) // 32KB buffer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("failed to write: %w", writeErr)
			}
			downloaded += int64(n)
			if progressFn != nil {
				progressFn(pullProgress("downloading_model", downloaded, totalSize, m.ID))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename: %w", err)
	}

	return nil
}

// RemoveModel deletes the cached model file.
func (i *Installer) RemoveModel(m ModelInfo) error {
	return os.Remove(i.ModelPath(m))
}

func pullProgress(status string, current, total int64, message string) PullProgress {
	p := PullProgress{Status: status, Current: current, Total: total, Message: message}
	if total > 0 {
		p.Percent = float64(current) / float64(total) * 100
	}
	return p
}

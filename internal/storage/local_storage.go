package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// copyChunkSize is the buffer size for streamed writes and extractions.
const copyChunkSize = 256 * 1024

type LocalStorage struct {
	basePath   string
	scratchDir string
}

func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	scratchDir := filepath.Join(os.TempDir(), "vigil-work")
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	return &LocalStorage{basePath: basePath, scratchDir: scratchDir}, nil
}

func (ls *LocalStorage) Put(r io.Reader, info BlobInfo) (string, error) {
	ext := filepath.Ext(info.Filename)
	if ext == "" {
		ext = ".mp4"
	}

	ref := fmt.Sprintf("%s%s", uuid.New().String(), ext)
	fullPath := filepath.Join(ls.basePath, ref)

	dst, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer dst.Close()

	buf := make([]byte, copyChunkSize)
	if _, err := io.CopyBuffer(dst, r, buf); err != nil {
		os.Remove(fullPath)
		return "", fmt.Errorf("failed to save file: %w", err)
	}

	return ref, nil
}

func (ls *LocalStorage) OpenRange(ref string, rng *ByteRange) (io.ReadCloser, *RangeInfo, error) {
	fullPath, err := ls.resolve(ref)
	if err != nil {
		return nil, nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("blob %s: %w", ref, ErrBlobNotFound)
		}
		return nil, nil, fmt.Errorf("failed to open blob: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	total := stat.Size()

	info := &RangeInfo{Start: 0, End: total - 1, Total: total}
	if rng != nil {
		info.Start = rng.Start
		if rng.End != nil {
			info.End = *rng.End
		}
		// A client may ask past the last byte; clamp rather than reject.
		if info.End > total-1 {
			info.End = total - 1
		}
		if info.Start < 0 || info.Start >= total || info.End < info.Start {
			file.Close()
			return nil, nil, fmt.Errorf("range %d-%d of %d bytes: %w", rng.Start, info.End, total, ErrInvalidRange)
		}
		if _, err := file.Seek(info.Start, io.SeekStart); err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("failed to seek blob: %w", err)
		}
	}

	return &rangeReader{
		Reader: io.LimitReader(file, info.Length()),
		file:   file,
	}, info, nil
}

func (ls *LocalStorage) Delete(ref string) error {
	fullPath, err := ls.resolve(ref)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("blob %s: %w", ref, ErrBlobNotFound)
		}
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	return nil
}

func (ls *LocalStorage) ExtractWorkingCopy(ref string) (string, func(), error) {
	src, _, err := ls.OpenRange(ref, nil)
	if err != nil {
		return "", nil, err
	}
	defer src.Close()

	workDir, err := os.MkdirTemp(ls.scratchDir, "extract-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create working directory: %w", err)
	}
	cleanup := func() {
		os.RemoveAll(workDir)
	}

	workPath := filepath.Join(workDir, ref)
	dst, err := os.Create(workPath)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to create working copy: %w", err)
	}
	defer dst.Close()

	buf := make([]byte, copyChunkSize)
	if _, err := io.CopyBuffer(dst, src, buf); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write working copy: %w", err)
	}

	return workPath, cleanup, nil
}

// resolve maps a reference to a path under basePath, rejecting anything that
// would escape it.
func (ls *LocalStorage) resolve(ref string) (string, error) {
	cleanRef := filepath.Clean(ref)
	if strings.Contains(cleanRef, "..") || strings.ContainsAny(cleanRef, `/\`) {
		return "", fmt.Errorf("blob %s: %w", ref, ErrBlobNotFound)
	}
	return filepath.Join(ls.basePath, cleanRef), nil
}

type rangeReader struct {
	io.Reader
	file *os.File
}

func (r *rangeReader) Close() error {
	return r.file.Close()
}

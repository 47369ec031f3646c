package downloader

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/nzbget/nzbget-sub003/queue"
)

// ArticleTempPath is the per-article scratch file used by raw mode (no
// decode) and join mode (decode, no direct-write); the queue coordinator
// concatenates these in part order once every Article of a File resolves.
func ArticleTempPath(tempDir string, f *queue.FileInfo, a *queue.ArticleInfo) string {
	return filepath.Join(tempDir, f.Filename+"."+strconv.Itoa(a.Part)+".tmp")
}

// markerPath is the zero-length flag file whose presence tells the next run
// that this article's direct-write bytes are already durable on disk
// (spec.md §4.4's `continue_partial`).
func markerPath(tempDir string, f *queue.FileInfo, a *queue.ArticleInfo) string {
	return filepath.Join(tempDir, f.Filename+"."+strconv.Itoa(a.Part)+".done")
}

// HasContinuePartial reports whether a prior run already durably wrote this
// article's direct-write bytes, letting the worker skip re-downloading it.
func HasContinuePartial(tempDir string, f *queue.FileInfo, a *queue.ArticleInfo) bool {
	_, err := os.Stat(markerPath(tempDir, f, a))
	return err == nil
}

// WriteTemp persists data to a fresh temp file, replacing anything left over
// from a prior attempt at the same article.
func WriteTemp(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "downloader: write temp %s", path)
	}
	return nil
}

// WriteDirect writes data at the article's declared offset inside the
// pre-sized output file, initializing the file to its full declared size on
// first touch, then drops a continue_partial marker on success.
func WriteDirect(outputPath, tempDir string, f *queue.FileInfo, a *queue.ArticleInfo, data []byte) error {
	f.LockDirectWrite()
	defer f.UnlockDirectWrite()

	fh, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrapf(err, "downloader: open direct-write output %s", outputPath)
	}
	defer fh.Close()

	if !f.OutputInitialized {
		if err := fh.Truncate(f.TotalSize); err != nil {
			return errors.Wrap(err, "downloader: pre-size output")
		}
		f.OutputInitialized = true
	}

	if _, err := fh.WriteAt(data, a.SegOffset); err != nil {
		return errors.Wrap(err, "downloader: direct write")
	}

	if err := os.WriteFile(markerPath(tempDir, f, a), nil, 0o644); err != nil {
		return errors.Wrap(err, "downloader: write continue_partial marker")
	}
	return nil
}

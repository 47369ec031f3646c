package queue

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/nzbget/nzbget-sub003/cmn/nlog"
)

// ReassembleFile runs the three persistence modes of spec.md §4.5 once
// every Article of f has resolved: raw mode moves per-article result files
// into place; direct-write mode touches no files (the output was already
// written in place by the downloader); join mode concatenates
// article outputs in part order into a temp file and atomically renames it.
// decodeOn and directWrite mirror the job-wide download configuration.
func ReassembleFile(destDir string, f *FileInfo, decodeOn, directWrite bool) (CompletedFile, error) {
	if !f.AllArticlesResolved() {
		return CompletedFile{}, errors.New("queue: file not ready for reassembly")
	}

	finalName := uniqueDestName(destDir, f.Filename)
	finalPath := filepath.Join(destDir, finalName)

	switch {
	case !decodeOn:
		if err := reassembleRaw(destDir, f, finalPath); err != nil {
			return CompletedFile{}, err
		}
	case directWrite:
		// The output file is already at its final bytes. The
		// continue_partial marker files the downloader wrote are left in
		// place.
	default:
		if err := reassembleJoin(f, finalPath); err != nil {
			return CompletedFile{}, err
		}
	}

	status := CompletedSuccess
	if f.MissedSize > 0 {
		status = CompletedPartial
	}
	return CompletedFile{ID: f.ID, Name: finalName, Status: status}, nil
}

// reassembleRaw moves each article's result file to
// <destDir>/<baseFilename>/<partNumber:03> (decode off: no reassembly into
// one file, the original nzbget behavior for raw mode).
func reassembleRaw(destDir string, f *FileInfo, _ string) error {
	dir := filepath.Join(destDir, f.Filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "queue: mkdir raw dest")
	}
	sorted := sortedArticles(f.Articles)
	for _, a := range sorted {
		if a.Status != ArticleFinished || a.ResultFilename == "" {
			continue
		}
		dst := filepath.Join(dir, fmt.Sprintf("%03d", a.Part))
		if err := os.Rename(a.ResultFilename, dst); err != nil {
			return errors.Wrapf(err, "queue: move raw part %d", a.Part)
		}
	}
	return nil
}

// reassembleJoin concatenates article outputs in part order into a temp
// file beside finalPath, then atomically renames it into place.
func reassembleJoin(f *FileInfo, finalPath string) error {
	tmpPath := finalPath + ".joining"
	out, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrap(err, "queue: create join temp")
	}
	defer out.Close()

	for _, a := range sortedArticles(f.Articles) {
		if a.Status != ArticleFinished || a.ResultFilename == "" {
			continue
		}
		if err := appendFile(out, a.ResultFilename); err != nil {
			return err
		}
		_ = os.Remove(a.ResultFilename)
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, "queue: close join temp")
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return errors.Wrap(err, "queue: rename joined file into place")
	}
	return nil
}

func appendFile(dst *os.File, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrapf(err, "queue: open article part %s", srcPath)
	}
	defer src.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return errors.Wrapf(err, "queue: copy article part %s", srcPath)
	}
	return nil
}

func sortedArticles(articles []*ArticleInfo) []*ArticleInfo {
	out := make([]*ArticleInfo, len(articles))
	copy(out, articles)
	sort.Slice(out, func(i, j int) bool { return out[i].Part < out[j].Part })
	return out
}

// uniqueDestName walks destDir with godirwalk (cheap even for very large
// completed-download directories) and appends "_duplicateN" if name is
// already taken, per spec.md §4.5.
func uniqueDestName(destDir, name string) string {
	taken := make(map[string]bool)
	_ = godirwalk.Walk(destDir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(_ string, de *godirwalk.Dirent) error {
			taken[de.Name()] = true
			return nil
		},
		ErrorCallback: func(_ string, _ error) godirwalk.ErrorAction {
			return godirwalk.SkipNode
		},
	})
	if !taken[name] {
		return name
	}
	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]
	for n := 1; ; n++ {
		candidate := base + "_duplicate" + strconv.Itoa(n) + ext
		if !taken[candidate] {
			return candidate
		}
	}
}

// WriteBrokenLog appends one line per incomplete file to
// <destDir>/_brokenlog.txt (spec.md §6).
func WriteBrokenLog(destDir string, brokenNames []string) error {
	if len(brokenNames) == 0 {
		return nil
	}
	path := filepath.Join(destDir, "_brokenlog.txt")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "queue: open broken log")
	}
	defer f.Close()
	for _, name := range brokenNames {
		if _, err := fmt.Fprintln(f, name); err != nil {
			return errors.Wrap(err, "queue: write broken log")
		}
	}
	return nil
}

// MoveCompleted relocates files already written under oldDestDir to
// newDestDir (including the broken log), used when a user edits a Job's
// destination after some files have already completed.
func MoveCompleted(oldDestDir, newDestDir string, names []string) error {
	if err := os.MkdirAll(newDestDir, 0o755); err != nil {
		return errors.Wrap(err, "queue: mkdir new dest")
	}
	for _, name := range names {
		oldPath := filepath.Join(oldDestDir, name)
		newPath := filepath.Join(newDestDir, name)
		if err := os.Rename(oldPath, newPath); err != nil {
			nlog.Warningf("queue: move completed file %s: %v", name, err)
		}
	}
	brokenOld := filepath.Join(oldDestDir, "_brokenlog.txt")
	if _, err := os.Stat(brokenOld); err == nil {
		_ = os.Rename(brokenOld, filepath.Join(newDestDir, "_brokenlog.txt"))
	}
	return nil
}

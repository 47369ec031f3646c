// Package unpack implements the archive driver of spec.md §4.7: archive
// format detection (RAR classic/multi-seq, 7z single/multi, generic
// splits, renamed archives detected by magic), external extractor
// subprocess management, password-list retry, error-line classification
// (extractor progress output is not parsed), and split-fragment joining.
//
// Grounded on original_source/daemon/postprocess/Unpack.cpp for detection
// rules and password/CRC error string matching; subprocess management
// uses os/exec directly since no archive-extraction library is wired
// anywhere in the retrieval pack (DESIGN.md) — the spec requires shelling
// out to the real unrar/7z binaries, an inherently subprocess concern.
package unpack

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/nzbget/nzbget-sub003/cmn/nlog"
)

// Format is the detected archive kind (spec.md §4.7).
type Format int

const (
	FormatNone Format = iota
	FormatRarClassic
	FormatRarMultiSeq // .rNN volumes
	FormatSevenZipSingle
	FormatSevenZipMulti
	FormatGenericSplit // .NNN numbered fragments
)

// Status mirrors spec.md §7's unpack failure taxonomy.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusSpace
	StatusPassword
)

var (
	rarMagic      = []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07} // "Rar!\x1a\x07"
	rNNExt        = regexp.MustCompile(`(?i)\.r\d{2}$`)
	sevenZMulti   = regexp.MustCompile(`(?i)\.7z\.\d{3}$`)
	numericSplit  = regexp.MustCompile(`\.(\d{3})$`)
	passwordErrRe = regexp.MustCompile(`(?i)(password|encrypted)`)
	crcErrRe      = regexp.MustCompile(`(?i)(crc failed|checksum error|corrupt)`)
	spaceErrRe    = regexp.MustCompile(`(?i)(not enough (disk )?space|no space left)`)
)

// Detect classifies dir's contents into the archive Format present,
// returning the ordered list of the primary archive's constituent paths
// (the first-volume path for multi-volume sets).
func Detect(dir string) (Format, []string, error) {
	var entries []string
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if !de.IsDir() {
				entries = append(entries, path)
			}
			return nil
		},
		ErrorCallback: func(_ string, _ error) godirwalk.ErrorAction {
			return godirwalk.SkipNode
		},
	})
	if err != nil {
		return FormatNone, nil, err
	}

	for _, p := range entries {
		name := strings.ToLower(filepath.Base(p))
		switch {
		case strings.HasSuffix(name, ".rar"):
			if hasSiblingRNN(entries, p) {
				return FormatRarMultiSeq, []string{p}, nil
			}
			return FormatRarClassic, []string{p}, nil
		case strings.HasSuffix(name, ".7z"):
			if hasSiblingSevenZMulti(entries, p) {
				return FormatSevenZipMulti, []string{p}, nil
			}
			return FormatSevenZipSingle, []string{p}, nil
		}
	}

	// No canonical extension matched: look for a renamed archive detected
	// by RAR magic bytes, or a generic numbered split.
	for _, p := range entries {
		if looksLikeRarByMagic(p) {
			return FormatRarClassic, []string{p}, nil
		}
	}
	if frags := genericSplitFragments(entries); len(frags) > 0 {
		return FormatGenericSplit, frags, nil
	}
	return FormatNone, nil, nil
}

func hasSiblingRNN(entries []string, rarPath string) bool {
	base := strings.TrimSuffix(filepath.Base(rarPath), filepath.Ext(rarPath))
	for _, p := range entries {
		if rNNExt.MatchString(p) && strings.HasPrefix(filepath.Base(p), base) {
			return true
		}
	}
	return false
}

func hasSiblingSevenZMulti(entries []string, szPath string) bool {
	for _, p := range entries {
		if sevenZMulti.MatchString(p) && strings.HasPrefix(p, szPath) {
			return true
		}
	}
	return false
}

func looksLikeRarByMagic(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, len(rarMagic))
	n, _ := io.ReadFull(f, head)
	if n < len(rarMagic) {
		return false
	}
	for i, b := range rarMagic {
		if head[i] != b {
			return false
		}
	}
	return true
}

// genericSplitFragments verifies fragment numbering continuity (spec.md
// §4.7): min index is 0 or 1, no gaps, and returns the fragments in order
// if the set is well-formed. lastSmaller is left to the caller (join step)
// since it needs each fragment's actual size.
func genericSplitFragments(entries []string) []string {
	groups := make(map[string][]int)
	byKey := make(map[string]string)
	for _, p := range entries {
		m := numericSplit.FindStringSubmatch(p)
		if m == nil {
			continue
		}
		n := atoiSafe(m[1])
		base := strings.TrimSuffix(p, m[0])
		groups[base] = append(groups[base], n)
		byKey[groupKey(base, n)] = p
	}
	for base, nums := range groups {
		if !continuous(nums) {
			continue
		}
		sortInts(nums)
		out := make([]string, 0, len(nums))
		for _, n := range nums {
			out = append(out, byKey[groupKey(base, n)])
		}
		return out
	}
	return nil
}

func groupKey(base string, n int) string { return base + "#" + itoa(n) }

func continuous(nums []int) bool {
	if len(nums) == 0 {
		return false
	}
	sorted := append([]int(nil), nums...)
	sortInts(sorted)
	min := sorted[0]
	if min != 0 && min != 1 {
		return false
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i] != sorted[i-1]+1 {
			return false
		}
	}
	return true
}

// ClassifyLine inspects one line of extractor stdout/stderr and reports
// the Status it implies, if any (spec.md §4.7 pattern-matching on known
// error strings).
func ClassifyLine(line string) (Status, bool) {
	switch {
	case passwordErrRe.MatchString(line):
		return StatusPassword, true
	case spaceErrRe.MatchString(line):
		return StatusSpace, true
	case crcErrRe.MatchString(line):
		return StatusFailure, true
	}
	return StatusSuccess, false
}

// Extractor runs the configured external tool (unrar/7z) against an
// archive, retrying with each password in passwords on an encryption-class
// failure.
type Extractor struct {
	UnrarPath    string
	SevenZipPath string

	// Run executes cmd, streaming combined stdout+stderr to onLine; tests
	// substitute a fake. Defaults to a real os/exec invocation.
	Run func(name string, args []string, dir string, onLine func(string)) error
}

func NewExtractor(unrarPath, sevenZipPath string) *Extractor {
	return &Extractor{UnrarPath: unrarPath, SevenZipPath: sevenZipPath, Run: runSubprocess}
}

// ExtractWithPasswords tries extracting archivePath into destDir with no
// password, then each entry of passwords in order, stopping at the first
// attempt that does not classify as StatusPassword.
func (e *Extractor) ExtractWithPasswords(format Format, archivePath, destDir string, passwords []string) (Status, error) {
	attempts := append([]string{""}, passwords...)
	var last Status
	var lastErr error
	for _, pw := range attempts {
		st, err := e.extractOnce(format, archivePath, destDir, pw)
		last, lastErr = st, err
		if st != StatusPassword {
			return st, err
		}
	}
	return last, lastErr
}

func (e *Extractor) extractOnce(format Format, archivePath, destDir, password string) (Status, error) {
	name, args := e.buildCommand(format, archivePath, destDir, password)
	if name == "" {
		return StatusFailure, errors.New("unpack: no extractor configured for format")
	}

	var classified Status
	var found bool
	err := e.Run(name, args, destDir, func(line string) {
		if st, ok := ClassifyLine(line); ok && !found {
			classified, found = st, true
		}
	})
	if found {
		return classified, err
	}
	if err != nil {
		return StatusFailure, err
	}
	return StatusSuccess, nil
}

func (e *Extractor) buildCommand(format Format, archivePath, destDir, password string) (string, []string) {
	switch format {
	case FormatRarClassic, FormatRarMultiSeq:
		if e.UnrarPath == "" {
			return "", nil
		}
		args := []string{"x", "-y", "-o+"}
		if password != "" {
			args = append(args, "-p"+password)
		} else {
			args = append(args, "-p-")
		}
		args = append(args, archivePath, destDir+string(filepath.Separator))
		return e.UnrarPath, args
	case FormatSevenZipSingle, FormatSevenZipMulti:
		if e.SevenZipPath == "" {
			return "", nil
		}
		args := []string{"x", "-y", "-o" + destDir}
		if password != "" {
			args = append(args, "-p"+password)
		}
		args = append(args, archivePath)
		return e.SevenZipPath, args
	default:
		return "", nil
	}
}

func runSubprocess(name string, args []string, dir string, onLine func(string)) error {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "unpack: stdout pipe")
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "unpack: start")
	}
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		onLine(sc.Text())
	}
	if err := cmd.Wait(); err != nil {
		return errors.Wrap(err, "unpack: wait")
	}
	return nil
}

// JoinGenericSplit concatenates fragments (already ordered and verified
// continuous by Detect) into destPath.
func JoinGenericSplit(fragments []string, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return errors.Wrap(err, "unpack: create join dest")
	}
	defer out.Close()
	for _, f := range fragments {
		if err := appendFragment(out, f); err != nil {
			return err
		}
	}
	return out.Close()
}

func appendFragment(dst *os.File, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "unpack: open fragment %s", path)
	}
	defer src.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return errors.Wrapf(err, "unpack: copy fragment %s", path)
	}
	return nil
}

// MoveExtracted moves everything under stagingDir to destDir, skipping
// hidden files (spec.md §4.7 "On success").
func MoveExtracted(stagingDir, destDir string) error {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return errors.Wrap(err, "unpack: read staging dir")
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		src := filepath.Join(stagingDir, e.Name())
		dst := filepath.Join(destDir, e.Name())
		if err := os.Rename(src, dst); err != nil {
			nlog.Warningf("unpack: move %s: %v", e.Name(), err)
			return errors.Wrapf(err, "unpack: move %s", e.Name())
		}
	}
	return nil
}

func atoiSafe(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func itoa(n int) string { return strconv.Itoa(n) }

func sortInts(nums []int) { sort.Ints(nums) }

package par

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/karrick/godirwalk"
)

// numericExt3 matches a trailing 3-digit numeric extension such as
// "foo.001" (a RAR volume like "foo.r00" does not match), the generic split
// convention of spec.md §4.7/§4.6: "<target>.NNN".
var numericExt3 = regexp.MustCompile(`\.(\d{3})$`)

// DiscoverMainPars finds the main par files in destDir: files whose
// filename strictly parses to a non-empty base name and a ".par2"
// extension (excluding numbered recovery volumes like "foo.vol01+02.par2",
// which strict-parse to the same base and are not themselves "main"),
// de-duplicated by base name. Scoped to destDir only, never a cross-job
// directory scan (Open Question #1 in DESIGN.md): callers pass the single
// job's own destination directory.
func DiscoverMainPars(destDir string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	err := godirwalk.Walk(destDir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			name := de.Name()
			if !strings.HasSuffix(strings.ToLower(name), ".par2") {
				return nil
			}
			if strings.Contains(strings.ToLower(name), ".vol") {
				return nil // recovery volume, not a main set file
			}
			base := strings.TrimSuffix(name, filepath.Ext(name))
			if base == "" || seen[base] {
				return nil
			}
			seen[base] = true
			out = append(out, path)
			return nil
		},
		ErrorCallback: func(_ string, _ error) godirwalk.ErrorAction {
			return godirwalk.SkipNode
		},
	})
	return out, err
}

// discoverSplitFragments scans destDir for files named "<target>.NNN" for
// one of targets (spec.md §4.6 step 4); a 3-digit numeric extension on any
// other base name is not included. Scoped to the directory of the par set
// currently being processed only.
func discoverSplitFragments(destDir string, targets []string) []string {
	targetSet := make(map[string]bool, len(targets))
	for _, t := range targets {
		targetSet[filepath.Base(t)] = true
	}

	var out []string
	_ = godirwalk.Walk(destDir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			name := de.Name()
			m := numericExt3.FindStringSubmatch(name)
			if m == nil {
				return nil
			}
			base := strings.TrimSuffix(name, m[0])
			if targetSet[base] || targetSet[name] {
				out = append(out, path)
			}
			return nil
		},
		ErrorCallback: func(_ string, _ error) godirwalk.ErrorAction {
			return godirwalk.SkipNode
		},
	})
	return out
}

// DupeRecord is the minimal view of a History entry the missing-file /
// dupe-source candidate search needs (spec.md §4.6 step 4).
type DupeRecord struct {
	Name    string
	DestDir string
}

// DiscoverDupeCandidates returns paths under related History entries'
// DestDir sharing a source file's base name, used as a last-resort repair
// source per spec.md §4.6 step 4 ("dupe-source candidates").
func DiscoverDupeCandidates(history []DupeRecord, wantBaseName string) []string {
	var out []string
	for _, h := range history {
		candidate := filepath.Join(h.DestDir, wantBaseName)
		out = append(out, candidate)
	}
	return out
}

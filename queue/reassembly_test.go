package queue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestReassembleJoinConcatenatesInPartOrder(t *testing.T) {
	tmp := t.TempDir()
	dest := filepath.Join(tmp, "dest")
	require.NoError(t, os.MkdirAll(dest, 0o755))

	p2 := writeTemp(t, tmp, "p2.tmp", []byte("WORLD"))
	p1 := writeTemp(t, tmp, "p1.tmp", []byte("HELLO"))

	f := &FileInfo{
		Filename: "joined.bin",
		Articles: []*ArticleInfo{
			{Part: 2, Status: ArticleFinished, ResultFilename: p2},
			{Part: 1, Status: ArticleFinished, ResultFilename: p1},
		},
	}

	cf, err := ReassembleFile(dest, f, true, false)
	require.NoError(t, err)
	require.Equal(t, CompletedSuccess, cf.Status)

	got, err := os.ReadFile(filepath.Join(dest, "joined.bin"))
	require.NoError(t, err)
	require.Equal(t, "HELLOWORLD", string(got))

	_, err = os.Stat(p1)
	require.True(t, os.IsNotExist(err))
}

func TestReassembleRawMovesPartsIntoNumberedFiles(t *testing.T) {
	tmp := t.TempDir()
	dest := filepath.Join(tmp, "dest")
	require.NoError(t, os.MkdirAll(dest, 0o755))

	p1 := writeTemp(t, tmp, "raw1.tmp", []byte("aaa"))

	f := &FileInfo{
		Filename: "raw-collection",
		Articles: []*ArticleInfo{
			{Part: 1, Status: ArticleFinished, ResultFilename: p1},
		},
	}

	_, err := ReassembleFile(dest, f, false, false)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dest, "raw-collection", "001"))
	require.NoError(t, err)
	require.Equal(t, "aaa", string(got))
}

func TestReassembleRejectsUnresolvedArticles(t *testing.T) {
	f := &FileInfo{
		Filename: "x",
		Articles: []*ArticleInfo{{Part: 1, Status: ArticleRunning}},
	}
	_, err := ReassembleFile(t.TempDir(), f, true, false)
	require.Error(t, err)
}

func TestUniqueDestNameAppendsSuffix(t *testing.T) {
	dest := t.TempDir()
	writeTemp(t, dest, "movie.mkv", []byte("x"))

	name := uniqueDestName(dest, "movie.mkv")
	require.Equal(t, "movie_duplicate1.mkv", name)
}

func TestWriteBrokenLogAppendsLines(t *testing.T) {
	dest := t.TempDir()
	require.NoError(t, WriteBrokenLog(dest, []string{"a.rar", "b.rar"}))
	require.NoError(t, WriteBrokenLog(dest, []string{"c.rar"}))

	got, err := os.ReadFile(filepath.Join(dest, "_brokenlog.txt"))
	require.NoError(t, err)
	require.Equal(t, "a.rar\nb.rar\nc.rar\n", string(got))
}

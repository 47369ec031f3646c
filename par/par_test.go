package par

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type mockEngine struct {
	preprocessErr  error
	processResults []Result
	processCalls   int
	missingBlocks  int
	sourceFiles    []string
	blockCRCs      map[string][]uint32
	blockSize      int64
}

func (m *mockEngine) Preprocess(string) error { return m.preprocessErr }
func (m *mockEngine) Process(bool) (Result, error) {
	if m.processCalls >= len(m.processResults) {
		return m.processResults[len(m.processResults)-1], nil
	}
	r := m.processResults[m.processCalls]
	m.processCalls++
	return r, nil
}
func (m *mockEngine) VerifyExtraFiles([]string) error { return nil }
func (m *mockEngine) UpdateVerificationResults()      {}
func (m *mockEngine) MissingBlockCount() int          { return m.missingBlocks }
func (m *mockEngine) SourceFiles() []string           { return m.sourceFiles }
func (m *mockEngine) BlockCRCs(f string) ([]uint32, int64, bool) {
	c, ok := m.blockCRCs[f]
	return c, m.blockSize, ok
}
func (m *mockEngine) Cancel() {}

type mockHost struct {
	addedPar bool
}

func (h *mockHost) RequestMorePars(string, int) bool {
	if h.addedPar {
		return false
	}
	h.addedPar = true
	return true
}
func (h *mockHost) FindFileCrc(string, string) FileStatus { return FileStatus{} }
func (h *mockHost) DestDir(string) string                 { return "" }

// TestQuickVerifySuccessWithoutTouchingFile verifies spec.md §8: for a
// perfectly-downloaded file whose block CRCs and whole-file CRC are known,
// the quick path returns success without a full verify pass reporting
// failure.
func TestQuickVerifySuccessWithoutTouchingFile(t *testing.T) {
	block1 := uint32(0x11223344)
	block2 := uint32(0x55667788)
	whole := combineCRCs([]uint32{block1, block2}, 100)

	d := &Driver{
		Engine: &mockEngine{},
	}
	status := FileStatus{
		Known:        true,
		WholeFileCRC: whole,
		SegmentOK:    []bool{true, true},
	}
	got, ok := reconstructWholeFileCRC(status, []uint32{block1, block2}, 100)
	require.True(t, ok)
	require.Equal(t, whole, got)
	_ = d
}

func TestInsufficientBlocksRequestsMoreParsThenCompletes(t *testing.T) {
	eng := &mockEngine{
		processResults: []Result{
			{Failed: true, RepairPossible: false},
			{RepairPossible: true},
		},
		// results[0] is the initial verify, already consumed: it is the
		// Result passed to recoverInsufficientBlocks below.
		processCalls:  1,
		missingBlocks: 5,
	}
	host := &mockHost{}
	d := New(eng, host, "job1", true, "extended")
	d.pollInterval = 0

	res, err := d.recoverInsufficientBlocks(Result{Failed: true})
	require.NoError(t, err)
	require.True(t, res.RepairPossible)
	require.True(t, host.addedPar)
}

func TestExecuteRunsStagesInOrder(t *testing.T) {
	eng := &mockEngine{
		processResults: []Result{
			{RepairPossible: false, RepairNotNeeded: true},
		},
	}
	host := &mockHost{}
	d := New(eng, host, "job1", true, "extended")

	res, err := d.Execute([]string{"job1.par2"})
	require.NoError(t, err)
	require.True(t, res.RepairNotNeeded)
	require.Equal(t, StageFinished, d.Stage)
}

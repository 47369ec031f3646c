// CmdlineEngine is the production Engine implementation (spec.md §4.6
// "Par2 library ... external component behind a narrow adapter"): it reads
// a par2 recovery set's own packet container directly to recover the
// per-block CRC32s the quick-verify short-circuit needs (a detail no
// par2cmdline build exposes on stdout), and shells out to the real par2cmdline
// binary for the actual verify/repair work, the same "external tool behind
// a line-classifying subprocess" shape unpack.Extractor uses for
// unrar/7z.
//
// Packet layout follows the public "PAR 2.0" file format specification;
// this file only ever reads packets, it never reimplements the
// verification or Reed-Solomon repair math those packets exist to drive.
package par

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

const (
	packetMagic  = "PAR2\x00PKT"
	typeFileDesc = "PAR 2.0\x00FileDesc"
	typeIFSC     = "PAR 2.0\x00IFSC\x00\x00\x00\x00"
	typeMain     = "PAR 2.0\x00Main\x00\x00\x00\x00"

	packetHeaderLen = 8 + 8 + 16 + 16 + 16 // magic, length, packet md5, recovery set id, type
)

// CmdlineEngine implements Engine against an installed par2cmdline binary,
// with block-level CRCs read straight out of the recovery set's own IFSC
// packets.
type CmdlineEngine struct {
	Par2Path string
	Run      func(ctx context.Context, name string, args []string, dir string, onLine func(string)) error

	mainPar     string
	destDir     string
	sourceFiles []string
	blockSize   int64
	blockCRCs   map[string][]uint32 // filename -> ordered block CRC32s

	missingBlocks   int
	availableBlocks int
	lastVerifyOK    bool

	cancel context.CancelFunc
}

// NewCmdlineEngine constructs a CmdlineEngine bound to the par2cmdline
// executable at par2Path.
func NewCmdlineEngine(par2Path string) *CmdlineEngine {
	return &CmdlineEngine{
		Par2Path:  par2Path,
		Run:       runPar2Subprocess,
		blockCRCs: make(map[string][]uint32),
	}
}

// Preprocess reads mainParPath's own packets (spec.md §4.6 step 1): the
// Main packet's slice size, and every FileDesc/IFSC pair, giving
// SourceFiles and BlockCRCs without invoking the subprocess.
func (e *CmdlineEngine) Preprocess(mainParPath string) error {
	pkts, err := readPar2Packets(mainParPath)
	if err != nil {
		return errors.Wrapf(err, "par: preprocess %s", mainParPath)
	}
	names, blockSize, crcs, err := indexPackets(pkts)
	if err != nil {
		return err
	}
	e.mainPar = mainParPath
	e.destDir = filepath.Dir(mainParPath)
	e.sourceFiles = names
	e.blockSize = blockSize
	e.blockCRCs = crcs
	return nil
}

// Process runs par2cmdline's verify (or repair, if doRepair) pass and
// classifies its output into a Result (spec.md §7).
func (e *CmdlineEngine) Process(doRepair bool) (Result, error) {
	verb := "verify"
	if doRepair {
		verb = "repair"
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	defer cancel()

	var res Result
	onLine := func(line string) { classifyPar2Line(line, &res, &e.missingBlocks, &e.availableBlocks) }
	err := e.Run(ctx, e.Par2Path, []string{verb, "-q", e.mainPar}, e.destDir, onLine)
	if err != nil && !res.Failed && !res.Repaired && !res.RepairNotNeeded {
		// par2cmdline exits non-zero on a damaged-but-unrepaired set even
		// when repair was never requested; only treat it as Failed if no
		// line already classified the run.
		res.Failed = true
	}
	e.lastVerifyOK = !res.Failed
	return res, nil
}

// VerifyExtraFiles hands par2cmdline additional candidate filenames to
// search for matching blocks (split fragments, dupe-source candidates):
// par2cmdline's verify/repair accept trailing filename arguments for
// exactly this purpose.
func (e *CmdlineEngine) VerifyExtraFiles(paths []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	args := append([]string{"verify", "-q", e.mainPar}, paths...)
	var res Result
	onLine := func(line string) { classifyPar2Line(line, &res, &e.missingBlocks, &e.availableBlocks) }
	return e.Run(ctx, e.Par2Path, args, e.destDir, onLine)
}

// UpdateVerificationResults is a no-op: unlike libpar2, this adapter holds
// no incremental in-process verification state between Process calls, it
// simply re-verifies fully on the next one.
func (e *CmdlineEngine) UpdateVerificationResults() {}

func (e *CmdlineEngine) MissingBlockCount() int { return e.missingBlocks }

func (e *CmdlineEngine) SourceFiles() []string { return e.sourceFiles }

// BlockCRCs returns the ordered recovery-set block CRCs for sourceFile, as
// read directly from its IFSC packet during Preprocess.
func (e *CmdlineEngine) BlockCRCs(sourceFile string) (blockCRCs []uint32, blockSize int64, ok bool) {
	crcs, found := e.blockCRCs[sourceFile]
	if !found {
		return nil, 0, false
	}
	return crcs, e.blockSize, true
}

func (e *CmdlineEngine) Cancel() {
	if e.cancel != nil {
		e.cancel()
	}
}

// runPar2Subprocess is the default Run implementation, grounded on
// unpack.Extractor.runSubprocess's line-classifying os/exec shape.
func runPar2Subprocess(ctx context.Context, name string, args []string, dir string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return err
	}
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	return cmd.Wait()
}

var (
	reAvailableBlocks = regexp.MustCompile(`You have (\d+) out of (\d+) data blocks available`)
	reRecoveryBlocks  = regexp.MustCompile(`You have (\d+) recovery blocks available`)
)

// classifyPar2Line updates res/missing/available from one line of
// par2cmdline output, mirroring the plain substring checks par2cmdline's
// own exit-status mapping uses.
func classifyPar2Line(line string, res *Result, missing, available *int) {
	switch {
	case strings.Contains(line, "Repair is not required"), strings.Contains(line, "All files are correct"):
		res.RepairNotNeeded = true
	case strings.Contains(line, "Repair is required"):
		// handled once enough blocks are known via reAvailableBlocks
	case strings.Contains(line, "Repair is possible"):
		res.RepairPossible = true
	case strings.Contains(line, "Repair is not possible"):
		res.Failed = true
	case strings.Contains(line, "Repair complete"):
		res.Repaired = true
	case strings.Contains(line, "Repair failed"):
		res.Failed = true
	}
	if m := reAvailableBlocks.FindStringSubmatch(line); m != nil {
		have := atoiMust(m[1])
		total := atoiMust(m[2])
		*available = have
		*missing = total - have
		res.AvailableBlocks = have
		res.MissingBlocks = total - have
	}
	if m := reRecoveryBlocks.FindStringSubmatch(line); m != nil {
		res.AvailableBlocks += atoiMust(m[1])
	}
}

func atoiMust(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}

// par2Packet is one decoded packet from a .par2 file.
type par2Packet struct {
	Type string
	Body []byte
}

// readPar2Packets scans path for well-formed "PAR2\0PKT" packets, skipping
// anything that doesn't parse as one (creator packets, padding, or simply
// not a par2 file at all produce zero packets rather than an error).
func readPar2Packets(path string) ([]par2Packet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pkts []par2Packet
	for len(data) >= packetHeaderLen {
		idx := bytes.Index(data, []byte(packetMagic))
		if idx < 0 {
			break
		}
		data = data[idx:]
		if len(data) < packetHeaderLen {
			break
		}
		length := binary.LittleEndian.Uint64(data[8:16])
		if length < packetHeaderLen || uint64(len(data)) < length {
			data = data[8:] // resync past this magic and keep scanning
			continue
		}
		typ := string(data[48:64])
		body := data[packetHeaderLen:length]
		pkts = append(pkts, par2Packet{Type: typ, Body: append([]byte(nil), body...)})
		data = data[length:]
	}
	return pkts, nil
}

// indexPackets builds (source filenames, block size, filename->block CRCs)
// from a decoded packet set, per the "PAR 2.0" FileDesc/IFSC/Main packet
// layouts.
func indexPackets(pkts []par2Packet) (names []string, blockSize int64, crcs map[string][]uint32, err error) {
	fileIDToName := make(map[string]string)
	crcs = make(map[string][]uint32)

	for _, p := range pkts {
		switch p.Type {
		case typeMain:
			if len(p.Body) < 8 {
				continue
			}
			blockSize = int64(binary.LittleEndian.Uint64(p.Body[0:8]))

		case typeFileDesc:
			if len(p.Body) < 56 {
				continue
			}
			fileID := string(p.Body[0:16])
			name := strings.TrimRight(string(p.Body[56:]), "\x00")
			fileIDToName[fileID] = name
			names = append(names, name)
		}
	}

	for _, p := range pkts {
		if p.Type != typeIFSC {
			continue
		}
		if len(p.Body) < 16 {
			continue
		}
		fileID := string(p.Body[0:16])
		name, ok := fileIDToName[fileID]
		if !ok {
			continue
		}
		entries := p.Body[16:]
		const entryLen = 16 + 4 // md5 + crc32
		var list []uint32
		for off := 0; off+entryLen <= len(entries); off += entryLen {
			crc := binary.LittleEndian.Uint32(entries[off+16 : off+entryLen])
			list = append(list, crc)
		}
		crcs[name] = list
	}
	return names, blockSize, crcs, nil
}

package par

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildPacket(t string, body []byte) []byte {
	for len(body)%4 != 0 {
		body = append(body, 0)
	}
	total := packetHeaderLen + len(body)
	buf := make([]byte, total)
	copy(buf[0:8], packetMagic)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(total))
	// bytes 16:32 packet md5, 32:48 recovery set id (left zero, unchecked)
	typeBytes := make([]byte, 16)
	copy(typeBytes, t)
	copy(buf[48:64], typeBytes)
	copy(buf[64:], body)
	return buf
}

func fileID(n byte) []byte {
	id := make([]byte, 16)
	for i := range id {
		id[i] = n
	}
	return id
}

func buildTestPar2(name string, blockSize int64, blockCRCs []uint32) []byte {
	var out bytes.Buffer

	mainBody := make([]byte, 8)
	binary.LittleEndian.PutUint64(mainBody[0:8], uint64(blockSize))
	out.Write(buildPacket(typeMain, mainBody))

	fid := fileID(7)
	fdBody := make([]byte, 56+len(name))
	copy(fdBody[0:16], fid)
	copy(fdBody[56:], name)
	out.Write(buildPacket(typeFileDesc, fdBody))

	ifscBody := make([]byte, 16+len(blockCRCs)*20)
	copy(ifscBody[0:16], fid)
	for i, crc := range blockCRCs {
		off := 16 + i*20
		binary.LittleEndian.PutUint32(ifscBody[off+16:off+20], crc)
	}
	out.Write(buildPacket(typeIFSC, ifscBody))

	return out.Bytes()
}

func TestReadAndIndexPar2Packets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "movie.par2")
	data := buildTestPar2("movie.mkv", 384000, []uint32{0x11223344, 0x55667788})
	require.NoError(t, os.WriteFile(path, data, 0o644))

	e := NewCmdlineEngine("/usr/bin/par2")
	require.NoError(t, e.Preprocess(path))

	require.Equal(t, []string{"movie.mkv"}, e.SourceFiles())
	crcs, blockSize, ok := e.BlockCRCs("movie.mkv")
	require.True(t, ok)
	require.Equal(t, int64(384000), blockSize)
	require.Equal(t, []uint32{0x11223344, 0x55667788}, crcs)
}

func TestProcessClassifiesRepairPossible(t *testing.T) {
	e := NewCmdlineEngine("/usr/bin/par2")
	e.mainPar = "movie.par2"
	e.destDir = t.TempDir()
	e.Run = func(ctx context.Context, name string, args []string, dir string, onLine func(string)) error {
		onLine("Target: \"movie.mkv\" - damaged. Found 8 of 10 data blocks.")
		onLine("You have 8 out of 10 data blocks available.")
		onLine("You have 3 recovery blocks available.")
		onLine("Repair is possible.")
		return nil
	}

	res, err := e.Process(false)
	require.NoError(t, err)
	require.True(t, res.RepairPossible)
	require.Equal(t, 2, res.MissingBlocks)
	require.Equal(t, 8+3, res.AvailableBlocks)
	require.Equal(t, 2, e.MissingBlockCount())
}

func TestProcessClassifiesRepairComplete(t *testing.T) {
	e := NewCmdlineEngine("/usr/bin/par2")
	e.mainPar = "movie.par2"
	e.destDir = t.TempDir()
	e.Run = func(ctx context.Context, name string, args []string, dir string, onLine func(string)) error {
		onLine("Repair complete.")
		return nil
	}

	res, err := e.Process(true)
	require.NoError(t, err)
	require.True(t, res.Repaired)
	require.False(t, res.Failed)
}

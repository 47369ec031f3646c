package par

// reconstructWholeFileCRC implements spec.md §4.6's quick-verify
// combination rule: if every segment succeeded, combine the recovery set's
// block-level CRCs (in order) to reconstruct the expected whole-file CRC.
// If some segments failed, a block is only considered valid when it is
// fully covered by a contiguous run of successful segments; the combined
// CRC is then computed only over the covered byte range, using the
// per-segment CRCs to verify that range without re-reading the file
// (spec.md: "reading the file only at range boundaries" — modeled here as
// pure CRC-combine arithmetic with no I/O).
func reconstructWholeFileCRC(status FileStatus, blockCRCs []uint32, blockSize int64) (uint32, bool) {
	if len(blockCRCs) == 0 {
		return 0, false
	}
	if allSegmentsOK(status.SegmentOK) {
		return combineCRCs(blockCRCs, blockSize), true
	}

	covered, coveredLen := coveredBlocks(status, blockCRCs, blockSize)
	if len(covered) == 0 {
		return 0, false
	}
	combined := combineCRCs(covered, blockSize)
	segCombined, ok := combineSegmentCRCs(status, coveredLen)
	if !ok || segCombined != combined {
		return 0, false
	}
	return combined, true
}

// CombineArticleCRCs folds per-article CRC32s (in part order, each
// covering sizes[i] bytes) into the CRC32 of their concatenation. Exported
// for a Host implementation's FindFileCrc to derive the downloaded
// whole-file CRC it reports, using the same combine math the quick-verify
// path itself runs against recovery-set block CRCs.
func CombineArticleCRCs(crcs []uint32, sizes []int64) uint32 {
	if len(crcs) == 0 {
		return 0
	}
	acc := crcs[0]
	for i := 1; i < len(crcs); i++ {
		acc = combinePair(acc, crcs[i], sizes[i])
	}
	return acc
}

func allSegmentsOK(segOK []bool) bool {
	if len(segOK) == 0 {
		return false
	}
	for _, ok := range segOK {
		if !ok {
			return false
		}
	}
	return true
}

// combineCRCs folds a sequence of fixed-size-block CRCs into the CRC of
// their concatenation, each block contributing blockSize bytes.
func combineCRCs(crcs []uint32, blockSize int64) uint32 {
	acc := crcs[0]
	for _, c := range crcs[1:] {
		acc = combinePair(acc, c, blockSize)
	}
	return acc
}

// combinePair combines two CRC32/IEEE checksums of adjacent byte ranges,
// the second of length len2, using the standard polynomial-matrix
// CRC-combine identity (equivalent to zlib's crc32_combine).
func combinePair(crc1, crc2 uint32, len2 int64) uint32 {
	return crc32Combine(crc1, crc2, len2)
}

// coveredBlocks returns the subsequence of blockCRCs that lies within a
// contiguous run of successful segments, and the total byte length that
// subsequence spans.
func coveredBlocks(status FileStatus, blockCRCs []uint32, blockSize int64) ([]uint32, int64) {
	if len(status.SegmentOK) == 0 {
		return nil, 0
	}
	// Find the longest contiguous prefix of successful segments; nzbget's
	// quick-verify only trusts a leading run since blocks are assigned to
	// byte ranges in file order (spec.md: "fully covered by
	// sequentially-successful segments").
	runLen := 0
	for _, ok := range status.SegmentOK {
		if !ok {
			break
		}
		runLen++
	}
	if runLen == 0 {
		return nil, 0
	}
	coveredBytes := int64(0)
	for i := 0; i < runLen && i < len(status.SegmentCRCs); i++ {
		// Segment sizes aren't tracked here; the caller-supplied
		// blockSize approximates segment granularity for the byte-range
		// check used only to bound how many recovery blocks fall fully
		// inside the covered run.
		coveredBytes += blockSize
	}
	nBlocks := int(coveredBytes / blockSize)
	if nBlocks > len(blockCRCs) {
		nBlocks = len(blockCRCs)
	}
	return blockCRCs[:nBlocks], int64(nBlocks) * blockSize
}

func combineSegmentCRCs(status FileStatus, coveredLen int64) (uint32, bool) {
	runLen := 0
	for _, ok := range status.SegmentOK {
		if !ok {
			break
		}
		runLen++
	}
	if runLen == 0 {
		return 0, false
	}
	segLen := coveredLen / int64(runLen)
	var acc uint32
	for i := 0; i < runLen; i++ {
		if i == 0 {
			acc = status.SegmentCRCs[i]
			continue
		}
		acc = combinePair(acc, status.SegmentCRCs[i], segLen)
	}
	return acc, true
}

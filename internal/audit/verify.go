package audit

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// Verification failure kinds.
const (
	KindMalformedEntry = "malformed_entry"
	KindChainMismatch  = "chain_mismatch"
)

// VerifyResult is the outcome of replaying one file.
//
// FirstBadLine is the 1-indexed line of the first divergence; zero (and
// omitted in JSON) when every entry verified or the file is empty.
type VerifyResult struct {
	OK           bool   `json:"ok"`
	Verified     int    `json:"verified"`
	FirstBadLine int    `json:"first_bad_line,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Reason       string `json:"reason,omitempty"`
	ExpectedHash string `json:"expected_hash,omitempty"`
	ActualHash   string `json:"actual_hash,omitempty"`
	Head         string `json:"head"` // Last verified hash; seeds the next file.
}

// VerifyChain replays the file at path from startHash (GenesisHash when
// empty) and reports the first divergence. Files ending in .gz are
// decompressed first. Tampering is reported in the result; only failing to
// read the file is an error.
func VerifyChain(path, startHash string) (VerifyResult, error) {
	rc, err := OpenSegment(path)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("%w: opening %s for verification: %w", ErrIO, path, err)
	}
	defer rc.Close()
	return VerifyReader(rc, startHash)
}

// VerifyReader is VerifyChain over an arbitrary stream.
func VerifyReader(r io.Reader, startHash string) (VerifyResult, error) {
	if startHash == "" {
		startHash = GenesisHash
	}

	res := VerifyResult{Head: startHash}
	lineNum := 0
	errStop := errors.New("stop")

	err := eachLine(r, func(line []byte) error {
		lineNum++

		e, err := Decode(line)
		if err != nil {
			res.FirstBadLine = lineNum
			res.Kind = KindMalformedEntry
			res.Reason = err.Error()
			return errStop
		}

		want, err := expectedHash(res.Head, e)
		if err != nil {
			res.FirstBadLine = lineNum
			res.Kind = KindMalformedEntry
			res.Reason = err.Error()
			return errStop
		}
		if e.IntegrityHash != want {
			res.FirstBadLine = lineNum
			res.Kind = KindChainMismatch
			res.Reason = "integrity_hash does not match previous hash and entry contents"
			res.ExpectedHash = want
			res.ActualHash = e.IntegrityHash
			return errStop
		}

		// Byte-exact check: an edit that decodes to the same values
		// (escape spelling, whitespace, key order) is still an edit.
		encoded, err := encodeLine(e.Record, e.Timestamp, e.IntegrityHash)
		if err != nil || !bytes.Equal(bytes.TrimSuffix(encoded, []byte{'\n'}), line) {
			res.FirstBadLine = lineNum
			res.Kind = KindChainMismatch
			res.Reason = "line bytes differ from the canonical encoding of its fields"
			res.ExpectedHash = want
			res.ActualHash = e.IntegrityHash
			return errStop
		}

		res.Verified++
		res.Head = e.IntegrityHash
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return VerifyResult{}, fmt.Errorf("%w: reading entries: %w", ErrIO, err)
	}

	res.OK = res.FirstBadLine == 0
	return res, nil
}

// SegmentReport is the verification result of one file in a ChainReport.
type SegmentReport struct {
	Name   string       `json:"name"` // Segment name, or "live".
	Path   string       `json:"path"`
	Result VerifyResult `json:"result"`
}

// ChainReport covers every archived segment plus the live file.
type ChainReport struct {
	OK         bool            `json:"ok"`
	Verified   int             `json:"verified"`
	Head       string          `json:"head"`
	BrokenFile string          `json:"broken_file,omitempty"`
	Segments   []SegmentReport `json:"segments"`
}

// VerifyAll verifies the archived segments oldest first and then the live
// file, seeding each file with the head of the one before it. Verification
// stops at the first broken file.
func (l *ActionLog) VerifyAll() (ChainReport, error) {
	return VerifyLog(l.path)
}

// VerifyLog is VerifyAll for a log that is not open in this process.
func VerifyLog(logPath string) (ChainReport, error) {
	segments, err := ListArchives(logPath)
	if err != nil {
		return ChainReport{}, err
	}

	report := ChainReport{Head: GenesisHash}
	check := func(name, path string) (bool, error) {
		res, err := VerifyChain(path, report.Head)
		if err != nil {
			return false, err
		}
		report.Segments = append(report.Segments, SegmentReport{Name: name, Path: path, Result: res})
		report.Verified += res.Verified
		report.Head = res.Head
		if !res.OK {
			report.BrokenFile = path
			return false, nil
		}
		return true, nil
	}

	for _, s := range segments {
		ok, err := check(s.Name, s.Path)
		if err != nil {
			return ChainReport{}, err
		}
		if !ok {
			return report, nil
		}
	}

	if _, err := os.Stat(logPath); err == nil {
		ok, err := check("live", logPath)
		if err != nil {
			return ChainReport{}, err
		}
		if !ok {
			return report, nil
		}
	}

	report.OK = true
	return report, nil
}

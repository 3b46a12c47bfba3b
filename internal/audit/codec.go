package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// TimestampFormat is the fixed-width UTC layout used for ts. Fixed width
// keeps lexical and chronological order identical in the index.
const TimestampFormat = "2006-01-02T15:04:05.000000000Z"

// canonicalEntry fixes the field order of the hashed form. Every field is
// always present so the byte form never depends on zero values.
type canonicalEntry struct {
	Timestamp          string `json:"ts"`
	RunID              string `json:"run_id"`
	SessionID          string `json:"session_id"`
	ActionClass        string `json:"action_class"`
	ToolName           string `json:"tool_name"`
	ArgsSummary        string `json:"args_summary"`
	Outcome            string `json:"outcome"`
	Reversible         bool   `json:"reversible"`
	OperatorAuthorized bool   `json:"operator_authorized"`
}

// lineEntry is canonicalEntry plus the hash, as written to the file.
type lineEntry struct {
	Timestamp          string `json:"ts"`
	RunID              string `json:"run_id"`
	SessionID          string `json:"session_id"`
	ActionClass        string `json:"action_class"`
	ToolName           string `json:"tool_name"`
	ArgsSummary        string `json:"args_summary"`
	Outcome            string `json:"outcome"`
	Reversible         bool   `json:"reversible"`
	OperatorAuthorized bool   `json:"operator_authorized"`
	IntegrityHash      string `json:"integrity_hash"`
}

func canonicalOf(r Record, ts string) canonicalEntry {
	return canonicalEntry{
		Timestamp:          ts,
		RunID:              r.RunID,
		SessionID:          r.SessionID,
		ActionClass:        r.ActionClass,
		ToolName:           r.ToolName,
		ArgsSummary:        r.ArgsSummary,
		Outcome:            r.Outcome,
		Reversible:         r.Reversible,
		OperatorAuthorized: r.OperatorAuthorized,
	}
}

// CanonicalBytes returns the deterministic byte form of a record stamped
// with ts. This is what the integrity hash covers.
//
// encoding/json escapes control characters, so a newline inside any field
// becomes \n and the output is always a single line.
func CanonicalBytes(r Record, ts string) ([]byte, error) {
	data, err := json.Marshal(canonicalOf(r, ts))
	if err != nil {
		return nil, fmt.Errorf("marshaling canonical entry: %w", err)
	}
	return data, nil
}

// Encode stamps r with ts, chains it to prevHash and returns the file line
// (terminated by exactly one newline) together with the new hash.
func Encode(prevHash string, r Record, ts time.Time) (line []byte, hash string, err error) {
	stamp := ts.UTC().Format(TimestampFormat)
	canonical, err := CanonicalBytes(r, stamp)
	if err != nil {
		return nil, "", err
	}
	hash = chainDigest(prevHash, canonical)

	line, err = encodeLine(r, stamp, hash)
	if err != nil {
		return nil, "", err
	}
	return line, hash, nil
}

// encodeLine renders the on-disk form of an entry, newline included.
func encodeLine(r Record, stamp, hash string) ([]byte, error) {
	c := canonicalOf(r, stamp)
	line, err := json.Marshal(lineEntry{
		Timestamp:          c.Timestamp,
		RunID:              c.RunID,
		SessionID:          c.SessionID,
		ActionClass:        c.ActionClass,
		ToolName:           c.ToolName,
		ArgsSummary:        c.ArgsSummary,
		Outcome:            c.Outcome,
		Reversible:         c.Reversible,
		OperatorAuthorized: c.OperatorAuthorized,
		IntegrityHash:      hash,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling entry: %w", err)
	}
	return append(line, '\n'), nil
}

// Decode parses one line (with or without its trailing newline). Anything
// that is not exactly an encoded entry fails with ErrMalformedEntry.
func Decode(line []byte) (Entry, error) {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	if len(line) == 0 {
		return Entry{}, fmt.Errorf("%w: empty line", ErrMalformedEntry)
	}

	// Pointers distinguish a missing key from a zero value.
	var raw struct {
		Timestamp          *string `json:"ts"`
		RunID              *string `json:"run_id"`
		SessionID          *string `json:"session_id"`
		ActionClass        *string `json:"action_class"`
		ToolName           *string `json:"tool_name"`
		ArgsSummary        *string `json:"args_summary"`
		Outcome            *string `json:"outcome"`
		Reversible         *bool   `json:"reversible"`
		OperatorAuthorized *bool   `json:"operator_authorized"`
		IntegrityHash      *string `json:"integrity_hash"`
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Entry{}, fmt.Errorf("%w: trailing data after object", ErrMalformedEntry)
	}

	if raw.Timestamp == nil || raw.RunID == nil || raw.SessionID == nil ||
		raw.ActionClass == nil || raw.ToolName == nil || raw.ArgsSummary == nil ||
		raw.Outcome == nil || raw.Reversible == nil || raw.OperatorAuthorized == nil ||
		raw.IntegrityHash == nil {
		return Entry{}, fmt.Errorf("%w: missing field", ErrMalformedEntry)
	}

	if !validHash(*raw.IntegrityHash) {
		return Entry{}, fmt.Errorf("%w: integrity_hash is not a 64-char lowercase hex digest", ErrMalformedEntry)
	}
	if _, err := time.Parse(TimestampFormat, *raw.Timestamp); err != nil {
		return Entry{}, fmt.Errorf("%w: bad ts %q", ErrMalformedEntry, *raw.Timestamp)
	}

	e := Entry{
		Record: Record{
			RunID:              *raw.RunID,
			SessionID:          *raw.SessionID,
			ActionClass:        *raw.ActionClass,
			ToolName:           *raw.ToolName,
			ArgsSummary:        *raw.ArgsSummary,
			Outcome:            *raw.Outcome,
			Reversible:         *raw.Reversible,
			OperatorAuthorized: *raw.OperatorAuthorized,
		},
		Timestamp:     *raw.Timestamp,
		IntegrityHash: *raw.IntegrityHash,
	}
	if err := e.Record.Validate(); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	return e, nil
}

// expectedHash recomputes the integrity hash e should carry when chained
// after prevHash.
func expectedHash(prevHash string, e Entry) (string, error) {
	canonical, err := CanonicalBytes(e.Record, e.Timestamp)
	if err != nil {
		return "", err
	}
	return chainDigest(prevHash, canonical), nil
}

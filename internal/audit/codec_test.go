package audit

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

var testTime = time.Date(2026, 2, 12, 10, 0, 0, 123456789, time.UTC)

func sampleRecord() Record {
	return Record{
		RunID:       "run-1",
		SessionID:   "sess-1",
		ActionClass: ClassExecute,
		ToolName:    "exec",
		ArgsSummary: "cmd=ls -la",
		Outcome:     OutcomeOK,
		Reversible:  true,
	}
}

func TestCanonicalBytes_FieldOrder(t *testing.T) {
	r := Record{RunID: "r", ActionClass: "e", ToolName: "exec", Outcome: "ok"}
	got, err := CanonicalBytes(r, "2026-02-12T10:00:00.000000000Z")
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	want := `{"ts":"2026-02-12T10:00:00.000000000Z","run_id":"r","session_id":"","action_class":"e","tool_name":"exec","args_summary":"","outcome":"ok","reversible":false,"operator_authorized":false}`
	if string(got) != want {
		t.Errorf("canonical bytes:\n got %s\nwant %s", got, want)
	}
}

func TestEncode_SingleTerminatedLine(t *testing.T) {
	r := sampleRecord()
	r.ArgsSummary = "first\nsecond\r\nthird"

	line, hash, err := Encode(GenesisHash, r, testTime)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.HasSuffix(line, []byte{'\n'}) {
		t.Fatal("line should end with a newline")
	}
	if n := bytes.Count(line, []byte{'\n'}); n != 1 {
		t.Errorf("line contains %d newlines, want exactly 1", n)
	}
	if !validHash(hash) {
		t.Errorf("hash %q is not a valid digest", hash)
	}

	e, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if e.ArgsSummary != r.ArgsSummary {
		t.Errorf("ArgsSummary = %q, want %q", e.ArgsSummary, r.ArgsSummary)
	}
}

func TestEncode_TimestampIsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	line, _, err := Encode(GenesisHash, sampleRecord(), testTime.In(loc))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	e, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if e.Timestamp != "2026-02-12T10:00:00.123456789Z" {
		t.Errorf("ts = %q, want UTC with nanoseconds", e.Timestamp)
	}
}

func TestEncode_HashMatchesExpected(t *testing.T) {
	line, hash, err := Encode(GenesisHash, sampleRecord(), testTime)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	e, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if e.IntegrityHash != hash {
		t.Errorf("line hash %q != returned hash %q", e.IntegrityHash, hash)
	}
	want, err := expectedHash(GenesisHash, e)
	if err != nil {
		t.Fatalf("expectedHash: %v", err)
	}
	if want != hash {
		t.Errorf("recomputed hash %q != %q", want, hash)
	}
}

func TestEncode_SensitiveToAllFields(t *testing.T) {
	_, baseHash, err := Encode(GenesisHash, sampleRecord(), testTime)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	tests := []struct {
		name   string
		modify func(r *Record, ts *time.Time, prev *string)
	}{
		{"run_id", func(r *Record, _ *time.Time, _ *string) { r.RunID = "run-2" }},
		{"session_id", func(r *Record, _ *time.Time, _ *string) { r.SessionID = "sess-2" }},
		{"action_class", func(r *Record, _ *time.Time, _ *string) { r.ActionClass = ClassRead }},
		{"tool_name", func(r *Record, _ *time.Time, _ *string) { r.ToolName = "read_file" }},
		{"args_summary", func(r *Record, _ *time.Time, _ *string) { r.ArgsSummary = "cmd=ls" }},
		{"outcome", func(r *Record, _ *time.Time, _ *string) { r.Outcome = OutcomeError }},
		{"reversible", func(r *Record, _ *time.Time, _ *string) { r.Reversible = false }},
		{"operator_authorized", func(r *Record, _ *time.Time, _ *string) { r.OperatorAuthorized = true }},
		{"ts", func(_ *Record, ts *time.Time, _ *string) { *ts = ts.Add(time.Nanosecond) }},
		{"prev_hash", func(_ *Record, _ *time.Time, prev *string) { *prev = Digest([]byte("x")) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ts, prev := sampleRecord(), testTime, GenesisHash
			tt.modify(&r, &ts, &prev)
			_, h, err := Encode(prev, r, ts)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if h == baseHash {
				t.Errorf("changing %s should produce a different hash", tt.name)
			}
		})
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	r := sampleRecord()
	r.OperatorAuthorized = true
	line, hash, err := Encode(GenesisHash, r, testTime)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	e, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if e.Record != r {
		t.Errorf("record = %+v, want %+v", e.Record, r)
	}
	if e.IntegrityHash != hash {
		t.Errorf("hash = %q, want %q", e.IntegrityHash, hash)
	}
}

func TestDecode_Rejects(t *testing.T) {
	valid, _, err := Encode(GenesisHash, sampleRecord(), testTime)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	v := strings.TrimSuffix(string(valid), "\n")

	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"not json", "hello"},
		{"truncated", v[:len(v)/2]},
		{"array", "[]"},
		{"missing field", strings.Replace(v, `"reversible":true,`, "", 1)},
		{"unknown field", strings.Replace(v, `{"ts"`, `{"extra":1,"ts"`, 1)},
		{"trailing data", v + `{}`},
		{"wrong type", strings.Replace(v, `"reversible":true`, `"reversible":"yes"`, 1)},
		{"uppercase hash", strings.Replace(v, v[len(v)-66:len(v)-2], strings.ToUpper(v[len(v)-66:len(v)-2]), 1)},
		{"short hash", strings.Replace(v, v[len(v)-66:len(v)-2], "abc", 1)},
		{"bad ts", strings.Replace(v, "2026-02-12T10:00:00.123456789Z", "2026-02-12 10:00", 1)},
		{"empty run_id", strings.Replace(v, `"run_id":"run-1"`, `"run_id":""`, 1)},
		{"empty outcome", strings.Replace(v, `"outcome":"ok"`, `"outcome":""`, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.line))
			if !errors.Is(err, ErrMalformedEntry) {
				t.Errorf("Decode(%q) error = %v, want ErrMalformedEntry", tt.line, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *Record)
		ok     bool
	}{
		{"complete", func(r *Record) {}, true},
		{"empty session and args allowed", func(r *Record) { r.SessionID, r.ArgsSummary = "", "" }, true},
		{"missing run_id", func(r *Record) { r.RunID = "" }, false},
		{"blank run_id", func(r *Record) { r.RunID = "   " }, false},
		{"missing action_class", func(r *Record) { r.ActionClass = "" }, false},
		{"missing tool_name", func(r *Record) { r.ToolName = "" }, false},
		{"missing outcome", func(r *Record) { r.Outcome = "" }, false},
		{"long action_class", func(r *Record) { r.ActionClass = strings.Repeat("x", 17) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := sampleRecord()
			tt.modify(&r)
			err := r.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("Validate() = %v, want ErrInvalidRecord", err)
			}
		})
	}
}

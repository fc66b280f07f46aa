package memory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/xiy/projmem/pkg/types"
)

// recordNamespace seeds the name-based UUIDs used as record ids.
var recordNamespace = uuid.MustParse("8f1d3c52-6b7e-4c1a-9d0e-2a4b5c6d7e8f")

// RecordID derives the record id for a project path. The same path always
// yields the same id.
func RecordID(projectPath string) string {
	return uuid.NewSHA1(recordNamespace, []byte(projectPath)).String()
}

var errMalformed = errors.New("malformed record")

// decodeRecord checks the well-formedness of raw record JSON before decoding
// it: string id and projectPath, numeric timestamp, array conversationHistory,
// and non-null context and metadata.
func decodeRecord(b []byte) (types.ProjectMemoryRecord, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return types.ProjectMemoryRecord{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	checks := []struct {
		key  string
		want func(json.RawMessage) bool
	}{
		{"id", isString},
		{"projectPath", isString},
		{"timestamp", isNumber},
		{"context", isPresent},
		{"conversationHistory", isArray},
		{"metadata", isPresent},
	}
	for _, c := range checks {
		raw, ok := fields[c.key]
		if !ok || !c.want(raw) {
			return types.ProjectMemoryRecord{}, fmt.Errorf("%w: field %q", errMalformed, c.key)
		}
	}

	var rec types.ProjectMemoryRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return types.ProjectMemoryRecord{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return rec, nil
}

func encodeRecord(rec types.ProjectMemoryRecord) ([]byte, error) {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func firstByte(raw json.RawMessage) byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}

func isString(raw json.RawMessage) bool { return firstByte(raw) == '"' }
func isArray(raw json.RawMessage) bool  { return firstByte(raw) == '[' }

func isNumber(raw json.RawMessage) bool {
	c := firstByte(raw)
	return c == '-' || (c >= '0' && c <= '9')
}

func isPresent(raw json.RawMessage) bool {
	c := firstByte(raw)
	return c != 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

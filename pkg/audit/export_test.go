package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntries() []Entry {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return []Entry{
		{
			ID: uuid.MustParse("6f1c1b0e-2f43-4c41-9a55-4d0c7f6b3a01"), Actor: "alice",
			Action: ActionCreateRole, Category: CategoryRole, Severity: SeverityInfo,
			TargetType: TargetRole, TargetID: "r-1",
			Detail:    Detail{After: map[string]interface{}{"name": "finance"}},
			CreatedAt: at,
		},
		{
			ID: uuid.MustParse("6f1c1b0e-2f43-4c41-9a55-4d0c7f6b3a02"), Actor: "bob",
			Action: ActionRevokeRole, Category: CategoryAssignment, Severity: SeverityWarning,
			TargetType: TargetUserRole, TargetID: "ur-1, with comma",
			CreatedAt: at.Add(time.Minute),
		},
	}
}

func TestEncode_JSON(t *testing.T) {
	data, err := Encode(sampleEntries(), ExportFormatJSON)
	require.NoError(t, err)

	var decoded []Entry
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "alice", decoded[0].Actor)

	empty, err := Encode(nil, ExportFormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(empty))
}

func TestEncode_NDJSON(t *testing.T) {
	data, err := Encode(sampleEntries(), ExportFormatNDJSON)
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 2)
	var e Entry
	require.NoError(t, json.Unmarshal(lines[1], &e))
	assert.Equal(t, ActionRevokeRole, e.Action)
}

func TestEncode_CSV(t *testing.T) {
	data, err := Encode(sampleEntries(), ExportFormatCSV)
	require.NoError(t, err)

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "ID", records[0][0])
	assert.Equal(t, "2026-03-01T09:00:00Z", records[1][1])
	assert.Equal(t, "ur-1, with comma", records[2][7])
	assert.JSONEq(t, `{"after":{"name":"finance"}}`, records[1][8])
}

func TestEncode_UnknownFormat(t *testing.T) {
	_, err := Encode(sampleEntries(), ExportFormat("xml"))
	assert.Error(t, err)
	assert.False(t, ExportFormat("xml").Valid())
	assert.Equal(t, "text/csv", ExportFormatCSV.ContentType())
}

package monitor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const respondSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title": "FallbackResponse",
	"type": "object",
	"properties": {
		"event_id": { "type": "string", "minLength": 1 },
		"accepted": { "type": "boolean" },
		"selected_provider": { "type": "string" }
	},
	"required": ["event_id", "accepted"]
}`

func TestNewContractMonitor_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "respond.json")
	require.NoError(t, os.WriteFile(path, []byte(respondSchema), 0o644))

	cm, err := NewContractMonitor(path)
	require.NoError(t, err)
	require.NotNil(t, cm)

	t.Run("MissingFile", func(t *testing.T) {
		_, err := NewContractMonitor(filepath.Join(dir, "missing.json"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error loading or compiling schema")
	})

	t.Run("InvalidSyntax", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte("{invalid_json"), 0o644))
		_, err := NewContractMonitor(bad)
		require.Error(t, err)
	})
}

func TestNewContractMonitorFromString_InvalidSchema(t *testing.T) {
	_, err := NewContractMonitorFromString("broken", `{"type": 12}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	assert.Panics(t, func() { MustContractMonitor("broken", `{"type": 12}`) })
}

func TestContractMonitor_Validate(t *testing.T) {
	cm := MustContractMonitor("respond", respondSchema)

	tests := []struct {
		name          string
		payload       string
		wantValid     bool
		wantErr       bool
		errorContains string
	}{
		{name: "Valid", payload: `{"event_id": "fb_1_abc", "accepted": true, "selected_provider": "paypal"}`, wantValid: true},
		{name: "DeclineWithoutProvider", payload: `{"event_id": "fb_1_abc", "accepted": false}`, wantValid: true},
		{name: "MissingAccepted", payload: `{"event_id": "fb_1_abc"}`, errorContains: "accepted is required"},
		{name: "WrongType", payload: `{"event_id": "fb_1_abc", "accepted": "yes"}`, errorContains: "Invalid type. Expected: boolean, given: string"},
		{name: "EmptyEventID", payload: `{"event_id": "", "accepted": true}`, errorContains: "event_id"},
		{name: "MalformedJSON", payload: `{"event_id": "x",`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, violations, err := cm.Validate([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.False(t, valid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, valid)
			if tt.wantValid {
				assert.Empty(t, violations)
				return
			}
			assert.Contains(t, FormatErrors(violations), tt.errorContains)
		})
	}
}

func TestContractMonitor_ValidateValue(t *testing.T) {
	cm := MustContractMonitor("respond", respondSchema)

	valid, violations, err := cm.ValidateValue(map[string]interface{}{"event_id": "fb_2_def", "accepted": false})
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Empty(t, violations)

	valid, violations, err = cm.ValidateValue(map[string]interface{}{"accepted": 1})
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Len(t, violations, 2)
}

func TestFormatErrors(t *testing.T) {
	assert.Equal(t, "", FormatErrors(nil))
	assert.Equal(t, "Validation errors: a; b", FormatErrors([]string{"a", "b"}))
}

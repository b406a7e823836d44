package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"site-expansion/internal/common/errors"
)

func TestValidateJobParams(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantErr   bool
		wantField string
	}{
		{
			name: "minimal valid",
			raw:  `{"scope":"Berlin","aggression":40,"intensity":50,"dataMode":"live"}`,
		},
		{
			name: "with candidates",
			raw: `{"scope":"Berlin","aggression":40,"intensity":50,"dataMode":"live",
				"enableInfrastructureFilter":true,
				"candidates":[{"lat":52.5,"lng":13.4,"withinScope":true,"population":1000}]}`,
		},
		{
			name:      "missing scope",
			raw:       `{"aggression":40,"intensity":50,"dataMode":"live"}`,
			wantErr:   true,
			wantField: "(root)",
		},
		{
			name:      "aggression above range",
			raw:       `{"scope":"x","aggression":140,"intensity":50,"dataMode":"live"}`,
			wantErr:   true,
			wantField: "aggression",
		},
		{
			name:    "unknown data mode",
			raw:     `{"scope":"x","aggression":10,"intensity":50,"dataMode":"guess"}`,
			wantErr: true,
		},
		{
			name:    "candidate latitude out of range",
			raw:     `{"scope":"x","aggression":10,"intensity":50,"dataMode":"live","candidates":[{"lat":95,"lng":0}]}`,
			wantErr: true,
		},
		{
			name:    "unknown field",
			raw:     `{"scope":"x","aggression":10,"intensity":50,"dataMode":"live","budget":3}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `{scope`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := ValidateJobParams([]byte(tt.raw))
			if !tt.wantErr {
				require.NoError(t, err)
				assert.NotEmpty(t, params.Scope)
				return
			}

			require.Error(t, err)
			stdErr, ok := errors.AsStandardError(err)
			require.True(t, ok)
			assert.Equal(t, errors.ErrCodeJobParamsInvalid, stdErr.Code)
			if tt.wantField != "" {
				assert.Contains(t, stdErr.Details, tt.wantField)
			}
		})
	}
}

func TestLocationsInputSchema(t *testing.T) {
	valid := LocationsInputSchema.ValidateInput(map[string]interface{}{
		"locations": []interface{}{map[string]interface{}{"lat": 1.0, "lng": 2.0}},
		"adaptive":  true,
	})
	assert.True(t, valid.Valid)

	empty := LocationsInputSchema.ValidateInput(map[string]interface{}{
		"locations": []interface{}{},
	})
	assert.False(t, empty.Valid)
	assert.True(t, empty.HasErrors("locations"))
}

func TestJobReferenceSchema(t *testing.T) {
	assert.True(t, JobReferenceSchema.ValidateInput(map[string]interface{}{"jobId": "job-1"}).Valid)
	assert.False(t, JobReferenceSchema.ValidateInput(map[string]interface{}{"jobId": ""}).Valid)
	assert.False(t, JobReferenceSchema.ValidateInput(map[string]interface{}{}).Valid)
}

func TestCompile_RejectsBrokenSchema(t *testing.T) {
	_, err := Compile("broken", `{"type": 12}`)
	assert.Error(t, err)
}

func TestGetErrorsForField(t *testing.T) {
	vr := &ValidationResult{Errors: []ValidationError{
		{Field: "candidates.0.lat", Message: "too big"},
		{Field: "candidatesCount", Message: "other"},
		{Field: "scope", Message: "missing"},
	}}
	assert.Len(t, vr.GetErrorsForField("candidates"), 1)
	assert.Equal(t, []string{"candidates.0.lat: too big", "candidatesCount: other", "scope: missing"}, vr.GetErrorMessages())
}

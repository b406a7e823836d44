package validation

import (
	"encoding/json"
	"strings"

	"site-expansion/internal/common/errors"
	"site-expansion/internal/models"
)

const candidateSiteSchema = `{
  "type": "object",
  "required": ["lat", "lng"],
  "properties": {
    "lat": {"type": "number", "minimum": -90, "maximum": 90},
    "lng": {"type": "number", "minimum": -180, "maximum": 180},
    "withinScope": {"type": "boolean"},
    "subwayDensity": {"type": "number"},
    "populationDensity": {"type": "number"},
    "poiDensity": {"type": "number"},
    "infrastructureScore": {"type": "number"},
    "nearestSubwayDistance": {"type": "number", "minimum": 0},
    "population": {"type": "number", "minimum": 0},
    "footfallIndex": {"type": "number"},
    "incomeIndex": {"type": "number"},
    "competitorIdx": {"type": "number"}
  }
}`

const locationSchema = `{
  "type": "object",
  "required": ["lat", "lng"],
  "properties": {
    "lat": {"type": "number", "minimum": -90, "maximum": 90},
    "lng": {"type": "number", "minimum": -180, "maximum": 180}
  }
}`

// JobParamsSchema describes models.JobParams.
var JobParamsSchema = MustCompile("job-params", `{
  "type": "object",
  "required": ["scope", "aggression", "intensity", "dataMode"],
  "additionalProperties": false,
  "properties": {
    "scope": {"type": "string", "minLength": 1, "maxLength": 200},
    "aggression": {"type": "number", "minimum": 0, "maximum": 100},
    "intensity": {"type": "number", "minimum": 0, "maximum": 100},
    "dataMode": {"type": "string", "enum": ["live", "cached", "synthetic"]},
    "modelVersion": {"type": "string", "maxLength": 64},
    "minDistance": {"type": "number", "minimum": 0},
    "maxPerCity": {"type": "integer", "minimum": 0},
    "enableInfrastructureFilter": {"type": "boolean"},
    "adaptiveValidation": {"type": "boolean"},
    "candidates": {"type": "array", "items": `+candidateSiteSchema+`}
  }
}`)

// LocationsInputSchema describes the variables of the validate and snap tasks.
var LocationsInputSchema = MustCompile("locations-input", `{
  "type": "object",
  "required": ["locations"],
  "properties": {
    "locations": {"type": "array", "minItems": 1, "maxItems": 5000, "items": `+locationSchema+`},
    "adaptive": {"type": "boolean"},
    "concurrency": {"type": "integer", "minimum": 1, "maximum": 64}
  }
}`)

// SuggestionRequestSchema describes the calculate-suggestions task variables.
var SuggestionRequestSchema = MustCompile("suggestion-request", `{
  "type": "object",
  "required": ["scope", "intensity", "candidateSites"],
  "properties": {
    "scope": {"type": "string"},
    "intensity": {"type": "number", "minimum": 0, "maximum": 100},
    "dataMode": {"type": "string"},
    "modelVersion": {"type": "string"},
    "minDistance": {"type": "number", "minimum": 0},
    "maxPerCity": {"type": "integer", "minimum": 0},
    "candidateSites": {"type": "array", "items": `+candidateSiteSchema+`}
  }
}`)

// JobReferenceSchema describes the generate-expansion task variables.
var JobReferenceSchema = MustCompile("job-reference", `{
  "type": "object",
  "required": ["jobId"],
  "properties": {
    "jobId": {"type": "string", "minLength": 1}
  }
}`)

// ValidateJobParams checks raw params against JobParamsSchema and decodes them.
func ValidateJobParams(raw []byte) (*models.JobParams, error) {
	result := JobParamsSchema.ValidateJSON(raw)
	if !result.Valid {
		return nil, errors.NewJobParamsInvalidError(strings.Join(result.GetErrorMessages(), "; "), nil)
	}

	var params models.JobParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errors.NewJobParamsInvalidError(err.Error(), err)
	}
	return &params, nil
}

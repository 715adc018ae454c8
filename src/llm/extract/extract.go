package extract

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"leadbot/src/model"
)

// Constants for parsing configuration
const (
	MaxPayloadLength  = 8000
	schemaResourceURL = "extraction.schema.json"
)

// Result is the fixed-schema record the extraction prompt must return
type Result struct {
	Name                     *string  `json:"name"`
	Location                 *string  `json:"location"`
	Symptoms                 []string `json:"symptoms"`
	ObjectionType            *string  `json:"objectionType"`
	ObjectionDetected        bool     `json:"objectionDetected"`
	FreeConsultationResponse *string  `json:"freeConsultationResponse"`
	HasNewData               bool     `json:"hasNewData"`
}

// Empty is the "no new data" result used whenever a payload is unusable
func Empty() Result {
	return Result{Symptoms: []string{}}
}

const schemaJSON = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["objectionDetected", "hasNewData"],
  "properties": {
    "name": {"type": ["string", "null"], "maxLength": 200},
    "location": {"type": ["string", "null"], "maxLength": 200},
    "symptoms": {
      "type": "array",
      "maxItems": 20,
      "items": {"type": "string", "maxLength": 200}
    },
    "objectionType": {"enum": ["price", "disinterest", "comparison", null]},
    "objectionDetected": {"type": "boolean"},
    "freeConsultationResponse": {"enum": ["accepted", "rejected", null]},
    "hasNewData": {"type": "boolean"}
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func extractionSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			compileErr = fmt.Errorf("failed to parse extraction schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaResourceURL, doc); err != nil {
			compileErr = fmt.Errorf("failed to add extraction schema: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaResourceURL)
	})
	return compiled, compileErr
}

var ErrMalformedPayload = errors.New("malformed extraction payload")

// Parse validates raw against the extraction schema and decodes it
func Parse(raw string) (Result, error) {
	payload := stripFences(raw)
	if payload == "" {
		return Empty(), fmt.Errorf("%w: empty", ErrMalformedPayload)
	}
	if len(payload) > MaxPayloadLength {
		return Empty(), fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformedPayload, len(payload), MaxPayloadLength)
	}

	sch, err := extractionSchema()
	if err != nil {
		return Empty(), err
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		return Empty(), fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := sch.Validate(inst); err != nil {
		return Empty(), fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var result Result
	if err := sonic.UnmarshalString(payload, &result); err != nil {
		return Empty(), fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	result.normalize()
	return result, nil
}

// ParseOrEmpty never fails: any violation yields Empty
func ParseOrEmpty(raw string) (Result, error) {
	result, err := Parse(raw)
	if err != nil {
		return Empty(), err
	}
	return result, nil
}

// stripFences removes markdown code fences and any prose around the object
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimPrefix(s, "JSON")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start >= 0 && end > start {
		s = s[start : end+1]
	}
	return s
}

func (r *Result) normalize() {
	r.Name = trimmed(r.Name)
	r.Location = trimmed(r.Location)
	r.ObjectionType = trimmed(r.ObjectionType)
	r.FreeConsultationResponse = trimmed(r.FreeConsultationResponse)

	symptoms := make([]string, 0, len(r.Symptoms))
	for _, s := range r.Symptoms {
		if s = strings.TrimSpace(s); s != "" {
			symptoms = append(symptoms, s)
		}
	}
	r.Symptoms = symptoms
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" || strings.EqualFold(s, "null") {
		return nil
	}
	return &s
}

// HasLeadSignal reports whether the turn carried new symptoms or a location
func (r Result) HasLeadSignal() bool {
	return len(r.Symptoms) > 0 || r.Location != nil
}

// Objection returns the detected objection type, if any
func (r Result) Objection() model.ObjectionType {
	if r.ObjectionType == nil {
		return model.ObjectionNone
	}
	return model.ObjectionType(*r.ObjectionType)
}

// Patch converts the result into a state patch
func (r Result) Patch() model.Patch {
	p := model.Patch{Symptoms: r.Symptoms}
	if r.Name != nil {
		p.Name = *r.Name
	}
	if r.Location != nil {
		p.Location = *r.Location
	}
	if r.ObjectionDetected {
		p.ObjectionType = r.Objection()
		p.HasShownResistance = model.Bool(true)
	}
	return p
}

// ConsultationResponse returns the offer status answered in this turn ("" if none)
func (r Result) ConsultationResponse() string {
	if r.FreeConsultationResponse == nil {
		return ""
	}
	return *r.FreeConsultationResponse
}

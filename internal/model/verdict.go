package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// VerdictSchemaVersion is the current shape of a persisted Verdict.
const VerdictSchemaVersion = 1

var ErrVerdictSchema = errors.New("incompatible verdict schema")

// VerdictItem is one classified item.
type VerdictItem struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Verdict is the outcome of classifying one batch of items. A verdict with a
// non-empty Error carries no item lists and is never cached.
type Verdict struct {
	Version      int           `json:"version"`
	OTCItems     []VerdictItem `json:"otc_items"`
	ConsultItems []VerdictItem `json:"consult_items"`
	Error        string        `json:"error,omitempty"`
}

func NewVerdict() *Verdict {
	return &Verdict{
		Version:      VerdictSchemaVersion,
		OTCItems:     []VerdictItem{},
		ConsultItems: []VerdictItem{},
	}
}

// FailedVerdict builds a top-level error verdict.
func FailedVerdict(message string) *Verdict {
	return &Verdict{Version: VerdictSchemaVersion, Error: message}
}

func (v *Verdict) Failed() bool {
	return v != nil && v.Error != ""
}

// EncodeVerdict serializes v for storage on the session record.
func EncodeVerdict(v *Verdict) (string, error) {
	if v == nil {
		return "", nil
	}
	if v.Version == 0 {
		v.Version = VerdictSchemaVersion
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal verdict failed: %w", err)
	}
	return string(b), nil
}

// DecodeVerdict parses a stored verdict. An empty string means no cached
// verdict and yields nil, nil. Any other shape than the current version is
// rejected with ErrVerdictSchema.
func DecodeVerdict(raw string) (*Verdict, error) {
	if raw == "" {
		return nil, nil
	}
	var head struct {
		Version      *int            `json:"version"`
		OTCItems     json.RawMessage `json:"otc_items"`
		ConsultItems json.RawMessage `json:"consult_items"`
	}
	if err := json.Unmarshal([]byte(raw), &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerdictSchema, err)
	}
	if head.Version == nil {
		return nil, fmt.Errorf("%w: missing version field", ErrVerdictSchema)
	}
	if *head.Version != VerdictSchemaVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrVerdictSchema, *head.Version, VerdictSchemaVersion)
	}
	if head.OTCItems == nil || head.ConsultItems == nil {
		return nil, fmt.Errorf("%w: missing item lists", ErrVerdictSchema)
	}

	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerdictSchema, err)
	}
	if v.OTCItems == nil {
		v.OTCItems = []VerdictItem{}
	}
	if v.ConsultItems == nil {
		v.ConsultItems = []VerdictItem{}
	}
	return &v, nil
}

package app

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"medibuddy/internal/ai"
	"medibuddy/internal/model"
)

// maxExtractRunes bounds the document text sent to the model.
const maxExtractRunes = 20000

const extractionPrompt = `You are an expert medical assistant. Analyze the prescription text below and extract the following information as JSON.
Focus strictly on the medicine details and instructions.

{
  "date": "Date of prescription",
  "medicines": [
    {
      "name": "Exact name of the tablet/medicine",
      "quantity": "How much to take (e.g. 1 tablet, 5ml)",
      "timing": {
        "morning": "Yes/No",
        "afternoon": "Yes/No",
        "night": "Yes/No",
        "instruction": "Before meal / After meal / Empty stomach / etc."
      },
      "frequency": "Raw frequency string (e.g. 1-0-1)",
      "duration": "For how many days the medicine should be taken"
    }
  ],
  "notes": "Any special instructions"
}
If a field is missing, use "-". Return ONLY the JSON.

Prescription text:
`

// Extractor turns free prescription text into a structured Prescription.
type Extractor struct {
	llm    Generator
	logger *zap.Logger
}

func NewExtractor(llm Generator, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{llm: llm, logger: logger.With(zap.String("component", "extractor"))}
}

func (e *Extractor) Extract(ctx context.Context, text string) (*model.Prescription, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: document has no text", ErrExtractionFailed)
	}
	if utf8.RuneCountInString(text) > maxExtractRunes {
		text = string([]rune(text)[:maxExtractRunes])
	}

	raw, err := e.llm.Generate(ctx, extractionPrompt+text)
	if err != nil {
		e.logger.Error("extraction call failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	var p model.Prescription
	if err := ai.DecodeJSONObject(raw, &p); err != nil {
		e.logger.Error("extraction output unparseable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	p.Normalize()
	return &p, nil
}

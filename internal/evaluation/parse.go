// Package evaluation turns the assessor's raw response into a domain.EvaluationRecord.
//
// The response is untrusted. Decoding is strict and all-or-nothing: either
// every field is taken from one well-formed object, or the error variant is
// returned carrying the raw text.
package evaluation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ashureev/aegis/internal/domain"
)

// wireRecord mirrors the assessor schema. Pointers distinguish a missing
// or null key from a zero value.
type wireRecord struct {
	TechnicalScore        *int    `json:"technical_score"`
	AIFluencyScore        *int    `json:"ai_fluency_score"`
	CodeValidationSummary *string `json:"code_validation_summary"`
	Strengths             *string `json:"strengths"`
	Weaknesses            *string `json:"weaknesses"`
}

func (w wireRecord) missing() []string {
	var keys []string
	if w.TechnicalScore == nil {
		keys = append(keys, "technical_score")
	}
	if w.AIFluencyScore == nil {
		keys = append(keys, "ai_fluency_score")
	}
	if w.CodeValidationSummary == nil {
		keys = append(keys, "code_validation_summary")
	}
	if w.Strengths == nil {
		keys = append(keys, "strengths")
	}
	if w.Weaknesses == nil {
		keys = append(keys, "weaknesses")
	}
	return keys
}

// ErrTrailingData is returned by Decode when text follows the object.
var ErrTrailingData = errors.New("trailing data after evaluation object")

// Decode strictly decodes raw into a scored record. CodeAccepted is left
// false; it is not part of the assessor's output.
func Decode(raw string) (domain.EvaluationRecord, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()

	var w wireRecord
	if err := dec.Decode(&w); err != nil {
		return domain.EvaluationRecord{}, fmt.Errorf("decode evaluation: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return domain.EvaluationRecord{}, ErrTrailingData
	}
	if missing := w.missing(); len(missing) > 0 {
		return domain.EvaluationRecord{}, fmt.Errorf("evaluation missing keys %v", missing)
	}

	return domain.EvaluationRecord{
		TechnicalScore:        *w.TechnicalScore,
		AIFluencyScore:        *w.AIFluencyScore,
		CodeValidationSummary: *w.CodeValidationSummary,
		Strengths:             *w.Strengths,
		Weaknesses:            *w.Weaknesses,
	}, nil
}

// Observer is notified of every parsed record.
type Observer interface {
	ObserveEvaluation(rec domain.EvaluationRecord)
}

// Parser parses assessor responses and reports anomalies.
type Parser struct {
	logger   *slog.Logger
	observer Observer
}

// NewParser creates a Parser. Both arguments may be nil.
func NewParser(logger *slog.Logger, observer Observer) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger, observer: observer}
}

// Parse decodes raw and sets CodeAccepted from the execution status.
// Any decode failure yields the error variant; Parse never panics.
// Scores outside [1,10] are kept as-is and logged.
func (p *Parser) Parse(raw string, exec domain.ExecutionResult) (rec domain.EvaluationRecord) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Evaluation parser panicked", "panic", r)
			rec = domain.UnparsableEvaluation(raw)
		}
		if p.observer != nil {
			p.observer.ObserveEvaluation(rec)
		}
	}()

	rec, err := Decode(raw)
	if err != nil {
		p.logger.Warn("Assessor response unparsable", "error", err, "raw_bytes", len(raw))
		return domain.UnparsableEvaluation(raw)
	}
	rec.CodeAccepted = exec.OK()

	if !rec.ScoresInRange() {
		p.logger.Warn("Assessor scores out of range",
			"technical_score", rec.TechnicalScore,
			"ai_fluency_score", rec.AIFluencyScore)
	}
	return rec
}

var defaultParser = NewParser(nil, nil)

// Parse parses raw with a Parser that logs to slog.Default.
func Parse(raw string, exec domain.ExecutionResult) domain.EvaluationRecord {
	return defaultParser.Parse(raw, exec)
}

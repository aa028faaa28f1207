package domain

import "encoding/json"

// ExecutionStatus is the outcome of running submitted code.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionError   ExecutionStatus = "error"
)

// faultPrefix starts every error-status execution output.
const faultPrefix = "Error: "

// ExecutionResult is the normalized outcome of one code execution.
type ExecutionResult struct {
	Status ExecutionStatus `json:"status"`
	Output string          `json:"output"`
}

// Succeeded builds a success result carrying the captured stdout.
func Succeeded(output string) ExecutionResult {
	return ExecutionResult{Status: ExecutionSuccess, Output: output}
}

// Faulted builds an error result from a fault description.
func Faulted(description string) ExecutionResult {
	return ExecutionResult{Status: ExecutionError, Output: faultPrefix + description}
}

// OK reports whether the execution completed without a fault.
func (r ExecutionResult) OK() bool {
	return r.Status == ExecutionSuccess
}

// EvaluationParseError is the message carried by a failed evaluation record.
const EvaluationParseError = "Failed to parse evaluation."

// Score bounds expected from the assessor.
const (
	MinScore = 1
	MaxScore = 10
)

// EvaluationRecord is the final structured scoring outcome of a session.
// A record either carries scores or, when the assessor's response could not
// be decoded, Error and RawOutput.
type EvaluationRecord struct {
	TechnicalScore        int
	AIFluencyScore        int
	CodeValidationSummary string
	Strengths             string
	Weaknesses            string
	CodeAccepted          bool

	Error     string
	RawOutput string
}

// UnparsableEvaluation returns the error variant for a raw assessor response.
func UnparsableEvaluation(raw string) EvaluationRecord {
	return EvaluationRecord{Error: EvaluationParseError, RawOutput: raw}
}

// Failed reports whether the record is the error variant.
func (r EvaluationRecord) Failed() bool {
	return r.Error != ""
}

// ScoresInRange reports whether both scores are within [MinScore, MaxScore].
func (r EvaluationRecord) ScoresInRange() bool {
	in := func(v int) bool { return v >= MinScore && v <= MaxScore }
	return in(r.TechnicalScore) && in(r.AIFluencyScore)
}

type scoredRecordJSON struct {
	TechnicalScore        int    `json:"technical_score"`
	AIFluencyScore        int    `json:"ai_fluency_score"`
	CodeValidationSummary string `json:"code_validation_summary"`
	Strengths             string `json:"strengths"`
	Weaknesses            string `json:"weaknesses"`
	CodeAccepted          bool   `json:"code_accepted"`
}

type failedRecordJSON struct {
	Error     string `json:"error"`
	RawOutput string `json:"raw_output"`
}

// MarshalJSON emits exactly one of the two record shapes.
func (r EvaluationRecord) MarshalJSON() ([]byte, error) {
	if r.Failed() {
		return json.Marshal(failedRecordJSON{Error: r.Error, RawOutput: r.RawOutput})
	}
	return json.Marshal(scoredRecordJSON{
		TechnicalScore:        r.TechnicalScore,
		AIFluencyScore:        r.AIFluencyScore,
		CodeValidationSummary: r.CodeValidationSummary,
		Strengths:             r.Strengths,
		Weaknesses:            r.Weaknesses,
		CodeAccepted:          r.CodeAccepted,
	})
}

// UnmarshalJSON accepts either record shape.
func (r *EvaluationRecord) UnmarshalJSON(data []byte) error {
	var aux struct {
		scoredRecordJSON
		failedRecordJSON
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = EvaluationRecord{
		TechnicalScore:        aux.TechnicalScore,
		AIFluencyScore:        aux.AIFluencyScore,
		CodeValidationSummary: aux.CodeValidationSummary,
		Strengths:             aux.Strengths,
		Weaknesses:            aux.Weaknesses,
		CodeAccepted:          aux.CodeAccepted,
		Error:                 aux.Error,
		RawOutput:             aux.RawOutput,
	}
	return nil
}

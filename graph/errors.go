package graph

import "errors"

// Machine-readable codes carried by EngineError.
const (
	CodeDuplicateNode  = "DUPLICATE_NODE"
	CodeNodeNotFound   = "NODE_NOT_FOUND"
	CodeInvalidGraph   = "INVALID_GRAPH"
	CodeNoRoute        = "NO_ROUTE"
	CodeMaxSteps       = "MAX_STEPS"
	CodeMaxRevisits    = "MAX_REVISITS"
	CodeNotInterrupted = "NOT_INTERRUPTED"
	CodeCheckpoint     = "CHECKPOINT_FAILED"
	CodeStateCodec     = "STATE_CODEC"
)

// EngineError is a structured error from graph construction or execution.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// IsCode reports whether err is or wraps an *EngineError with the given
// code.
func IsCode(err error, code string) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Code == code
}

package holdem

import "errors"

// Stable game-logic error codes. The socket and HTTP layers pass these
// through to clients unchanged.
const (
	CodeNotYourTurn       = "NOT_YOUR_TURN"
	CodeInvalidAction     = "INVALID_ACTION"
	CodeStaleToken        = "STALE_TOKEN"
	CodeInvalidSeat       = "INVALID_SEAT"
	CodeSeatTaken         = "SEAT_TAKEN"
	CodeInvalidTableState = "INVALID_TABLE_STATE"
	CodeInternalError     = "INTERNAL_ERROR"
)

var ErrDeckExhausted = errors.New("deck exhausted")

// CodeError is a structured rejection carrying a stable code. Runtime
// operations return these instead of panicking. Validation rejections leave
// the table state untouched; an INTERNAL_ERROR can follow a partly applied
// transition.
type CodeError struct {
	Code    string
	Message string
}

func (e *CodeError) Error() string { return e.Code + ": " + e.Message }

func errCode(code, message string) *CodeError {
	return &CodeError{Code: code, Message: message}
}

// AsCodeError unwraps err into a CodeError, mapping unknown errors to
// INTERNAL_ERROR.
func AsCodeError(err error) *CodeError {
	if err == nil {
		return nil
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce
	}
	return &CodeError{Code: CodeInternalError, Message: err.Error()}
}

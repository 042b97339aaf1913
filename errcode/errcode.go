package errcode

// Code is a stable, capsule-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable). These cover the synchronous rejections
// a capsule can hand back before committing any hardware resource; failures
// detected inside an asynchronous state machine are reported through the
// client callback instead.
const (
	OK   Code = "ok"
	Fail Code = "fail"

	// Resource contention: an equivalent operation is already outstanding.
	Busy Code = "busy"

	// Precondition failures, detected before any hardware transaction.
	NoMem       Code = "nomem"       // required buffers are lent out
	Reserve     Code = "reserve"     // device has not completed initialization
	Uninstalled Code = "uninstalled" // no card physically present
	NoSupport   Code = "nosupport"   // operation shape not supported
	Invalid     Code = "invalid"
	Size        Code = "size"
	Off         Code = "off"

	Timeout Code = "timeout"
)

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return string(e.C) + ": " + e.Msg
	}
	return string(e.C)
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from an error, defaulting to Fail.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Fail
}

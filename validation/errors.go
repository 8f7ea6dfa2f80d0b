package validation

import "strings"

// FieldError reports a rejected collection field.
type FieldError struct {
	Field    string
	Message  string
	Failures []Failure
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// FieldErrors aggregates the rejected fields of one payload.
type FieldErrors []*FieldError

func (e FieldErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, fe := range e {
		parts = append(parts, fe.Error())
	}
	return strings.Join(parts, "; ")
}

// Messages maps field names to their user-facing message.
func (e FieldErrors) Messages() map[string]string {
	out := make(map[string]string, len(e))
	for _, fe := range e {
		out[fe.Field] = fe.Message
	}
	return out
}

// CheckField runs v over candidates and returns a FieldError naming field, or
// nil when the collection is valid.
func CheckField(field string, v Validator, candidates []string) *FieldError {
	if v.Validate(candidates) {
		return nil
	}
	return &FieldError{
		Field:    field,
		Message:  v.Message(),
		Failures: v.Explain(candidates),
	}
}

// Collect returns the non-nil field errors, or nil if there are none. The
// result is typed as error so a clean payload compares equal to nil.
func Collect(errs ...*FieldError) error {
	var out FieldErrors
	for _, fe := range errs {
		if fe != nil {
			out = append(out, fe)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

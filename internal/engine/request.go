package engine

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

// Request is the caller-facing submission payload. RequestID is the
// idempotency key and must be unique per logical delivery.
type Request struct {
	To        string `json:"to" validate:"required,email"`
	Subject   string `json:"subject" validate:"required,max=200"`
	Body      string `json:"body" validate:"required,max=10000"`
	RequestID string `json:"request_id" validate:"required,min=1,max=100"`
	Priority  int    `json:"priority" validate:"min=0,max=10"`
	DelayMs   int    `json:"delay_ms" validate:"min=0,max=300000"`
}

var validate = validator.New()

// Validate returns the list of offending field names, empty when the
// request is well formed.
func (r *Request) Validate() []string {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{"request"}
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fieldName(fe.Field()))
	}
	return fields
}

func fieldName(structField string) string {
	switch structField {
	case "To":
		return "to"
	case "Subject":
		return "subject"
	case "Body":
		return "body"
	case "RequestID":
		return "request_id"
	case "Priority":
		return "priority"
	case "DelayMs":
		return "delay_ms"
	}
	return structField
}

package erasure

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dbsmedya/goforget/internal/compliance"
)

// SubmitInput is an erasure submission as received from a caller.
type SubmitInput struct {
	Subject string            `json:"subject" validate:"required,max=320,email"`
	Ground  compliance.Ground `json:"erasure_ground" validate:"required,ground"`
	Source  string            `json:"source" validate:"max=64"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("ground", validateGround)
}

func validateGround(fl validator.FieldLevel) bool {
	g := compliance.Ground(fl.Field().String())
	for _, known := range compliance.Grounds {
		if g == known {
			return true
		}
	}
	return false
}

// NormalizeSubject is the canonical form of a subject identifier. One person
// cannot hold two active requests under differently cased ids.
func NormalizeSubject(subject string) string {
	return strings.ToLower(strings.TrimSpace(subject))
}

func (in SubmitInput) normalize() SubmitInput {
	in.Subject = NormalizeSubject(in.Subject)
	in.Ground = compliance.Ground(strings.ToUpper(strings.TrimSpace(string(in.Ground))))
	in.Source = strings.TrimSpace(in.Source)
	return in
}

// Validate checks the input and returns a *ValidationError listing every
// rejected field.
func (in SubmitInput) Validate() error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Fields: []FieldError{{Field: "request", Message: err.Error()}}}
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fieldName(fe.Field()), Message: fieldMessage(fe)})
	}
	return out
}

func fieldName(field string) string {
	switch field {
	case "Subject":
		return "subject"
	case "Ground":
		return "erasure_ground"
	case "Source":
		return "source"
	}
	return strings.ToLower(field)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be an email address"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "ground":
		names := make([]string, len(compliance.Grounds))
		for i, g := range compliance.Grounds {
			names[i] = string(g)
		}
		return fmt.Sprintf("unknown ground %q, expected one of %s", fe.Value(), strings.Join(names, ", "))
	}
	return fmt.Sprintf("failed %s check", fe.Tag())
}

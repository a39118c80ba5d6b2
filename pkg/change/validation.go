package change

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// submission carries the validate tags for change creation. Tags live here
// rather than on SecurityChange so the API type stays free of validation
// concerns.
type submission struct {
	Title            string   `validate:"required,max=200"`
	Category         string   `validate:"required,oneof=security-update configuration policy certificate dependency system"`
	Priority         string   `validate:"required,oneof=low medium high critical"`
	RiskLevel        string   `validate:"required,oneof=low medium high critical"`
	AffectedSystems  []string `validate:"required,min=1,dive,required"`
	AffectedServices []string `validate:"dive,required"`
	ScheduledAt      string   `validate:"omitempty,rfc3339"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("rfc3339", validateRFC3339)
}

func validateRFC3339(fl validator.FieldLevel) bool {
	_, err := time.Parse(time.RFC3339, fl.Field().String())
	return err == nil
}

// ValidateSubmission checks a change submission before any state is created.
// It returns a *ValidationError naming the first offending field.
func ValidateSubmission(c *SecurityChange) error {
	if c == nil {
		return &ValidationError{Message: "change body is required"}
	}
	s := submission{
		Title:            c.Title,
		Category:         string(c.Category),
		Priority:         string(c.Priority),
		RiskLevel:        string(c.RiskLevel),
		AffectedSystems:  c.AffectedSystems,
		AffectedServices: c.AffectedServices,
		ScheduledAt:      c.ScheduledAt,
	}
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{
			Field:   fe.Field(),
			Message: fmt.Sprintf("failed %q validation (got %v)", fe.Tag(), fe.Value()),
		}
	}
	return &ValidationError{Message: err.Error()}
}

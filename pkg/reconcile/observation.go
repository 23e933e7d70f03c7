package reconcile

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/go-playground/validator/v10"
)

// DefaultPhonePattern accepts exactly ten digits
const DefaultPhonePattern = `^\d{10}$`

// Observation is a normalized (email, phone) pair. Absent values are nil, never "".
type Observation struct {
	Email *string
	Phone *string
}

// Keys returns the sorted lock keys for the observation
func (o Observation) Keys() []string {
	keys := make([]string, 0, 2)
	if o.Email != nil {
		keys = append(keys, "email:"+*o.Email)
	}
	if o.Phone != nil {
		keys = append(keys, "phone:"+*o.Phone)
	}
	sort.Strings(keys)
	return keys
}

// Empty reports whether neither field is present
func (o Observation) Empty() bool {
	return o.Email == nil && o.Phone == nil
}

// Validator normalizes and checks raw input
type Validator struct {
	phone    *regexp.Regexp
	validate *validator.Validate
}

// NewValidator compiles the phone pattern. An empty pattern uses DefaultPhonePattern.
func NewValidator(phonePattern string) (*Validator, error) {
	if phonePattern == "" {
		phonePattern = DefaultPhonePattern
	}
	re, err := regexp.Compile(phonePattern)
	if err != nil {
		return nil, fmt.Errorf("invalid phone pattern %q: %w", phonePattern, err)
	}
	return &Validator{
		phone:    re,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Normalize turns "" into nil and validates whatever remains.
func (v *Validator) Normalize(email, phone *string) (Observation, error) {
	obs := Observation{Email: nullIfEmpty(email), Phone: nullIfEmpty(phone)}

	if obs.Empty() {
		return obs, &ValidationError{Field: "contact", Message: "either email or phoneNumber is required"}
	}

	if obs.Phone != nil && !v.phone.MatchString(*obs.Phone) {
		return obs, &ValidationError{Field: "phoneNumber", Message: fmt.Sprintf("%q does not match %s", *obs.Phone, v.phone.String())}
	}

	if obs.Email != nil {
		if err := v.validate.Var(*obs.Email, "email"); err != nil {
			return obs, &ValidationError{Field: "email", Message: fmt.Sprintf("%q is not a valid email address", *obs.Email)}
		}
	}

	return obs, nil
}

func nullIfEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	v := *s
	return &v
}

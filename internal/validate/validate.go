// Package validate checks request payloads with govalidator struct tags
// and turns the first failure into an apierr.Validation error.
package validate

import (
	"fmt"
	"strings"

	"github.com/asaskevich/govalidator"

	"github.com/crochee/cim/internal/apierr"
)

func init() {
	govalidator.SetFieldsRequiredByDefault(false)
	govalidator.TagMap["angle_glob"] = govalidator.Validator(func(s string) bool {
		return s != ""
	})
}

// Struct validates v's govalidator tags and returns a 422 apierr.Error
// naming the first offending field.
func Struct(v interface{}) error {
	ok, err := govalidator.ValidateStruct(v)
	if ok || err == nil {
		return nil
	}

	errs := govalidator.ErrorsByField(err)
	fields := make([]string, 0, len(errs))
	for field := range errs {
		fields = append(fields, field)
	}

	return apierr.Validation("request_invalid", fmt.Sprintf("validation failed for field(s): %s", strings.Join(fields, ",")))
}

// NotBlank reports whether s contains anything but whitespace.
func NotBlank(s string) bool {
	return strings.TrimSpace(s) != ""
}

// OneOf validates that s is a member of allowed, returning a 422 apierr.Error
// named after field when it isn't.
func OneOf(field, s string, allowed ...string) error {
	for _, a := range allowed {
		if s == a {
			return nil
		}
	}
	return apierr.Validation(field+"_invalid", fmt.Sprintf("%s must be one of %v, got %q", field, allowed, s))
}

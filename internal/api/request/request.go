package request

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,62}$`)

func init() {
	validate.RegisterValidation("depname", func(fl validator.FieldLevel) bool {
		return nameRegex.MatchString(fl.Field().String())
	})
}

func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// RequireName validates a deployment name taken from the URL path.
func RequireName(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("missing deployment name")
	}
	if !nameRegex.MatchString(s) {
		return "", fmt.Errorf("invalid deployment name %q", s)
	}
	return s, nil
}

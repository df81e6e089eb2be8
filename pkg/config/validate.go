package config

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidConfig wraps every configuration validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Image name rule violations
var (
	ErrImageNameEmpty                 = errors.New("image name must not be empty")
	ErrImageNameTooLong               = errors.New("image name must be at most 255 characters")
	ErrImageNameCharset               = errors.New("image name may only contain lowercase letters, digits, '.', '_', '-' and '/'")
	ErrImageNameEdgeSeparator         = errors.New("image name must not start or end with a separator")
	ErrImageNameConsecutiveSeparators = errors.New("image name must not contain consecutive separators")
)

const maxImageNameLength = 255

var (
	imageNameCharset = regexp.MustCompile(`^[a-z0-9._/-]+$`)
	dockerTagPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)
	envNamePattern   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	buildArgPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(=.*)?$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report yaml keys rather than Go field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	mustRegister(v, "dockertag", dockerTagPattern)
	mustRegister(v, "envname", envNamePattern)
	mustRegister(v, "buildarg", buildArgPattern)
	return v
}

func mustRegister(v *validator.Validate, tag string, pattern *regexp.Regexp) {
	err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		return pattern.MatchString(fl.Field().String())
	})
	if err != nil {
		panic(err)
	}
}

// Validate checks the provider-independent configuration. Provider parameters
// are checked by the provider adapter during setup.
func (c *CacheConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, describe(verrs[0]))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := ValidateImageName(c.Image); err != nil {
		return fmt.Errorf("%w: image: %w", ErrInvalidConfig, err)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if idx := strings.Index(field, "."); idx != -1 {
		field = field[idx+1:]
	}

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "min", "max":
		return fmt.Sprintf("%s must be between 1 and 365, got %v", field, fe.Value())
	case "dockertag":
		return fmt.Sprintf("%s %q is not a valid image tag", field, fe.Value())
	case "envname":
		return fmt.Sprintf("%s %q is not a valid environment variable name", field, fe.Value())
	case "buildarg":
		return fmt.Sprintf("%s %q must have the form KEY=VALUE", field, fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// ValidateImageName checks an image name against the registry naming rules and
// reports the first rule it violates.
func ValidateImageName(name string) error {
	if name == "" {
		return ErrImageNameEmpty
	}
	if len(name) > maxImageNameLength {
		return fmt.Errorf("%w: got %d", ErrImageNameTooLong, len(name))
	}
	if !imageNameCharset.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrImageNameCharset, name)
	}
	if isSeparator(name[0]) || isSeparator(name[len(name)-1]) {
		return fmt.Errorf("%w: %q", ErrImageNameEdgeSeparator, name)
	}
	for i := 1; i < len(name); i++ {
		if isSeparator(name[i]) && isSeparator(name[i-1]) {
			return fmt.Errorf("%w: %q", ErrImageNameConsecutiveSeparators, name)
		}
	}
	return nil
}

func isSeparator(b byte) bool {
	return b == '.' || b == '_' || b == '-' || b == '/'
}

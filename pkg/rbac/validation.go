package rbac

import (
	"errors"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.\-]*$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// machine keys: role names, module names, permission resources and actions
	_ = v.RegisterValidation("rbackey", func(fl validator.FieldLevel) bool {
		return keyPattern.MatchString(fl.Field().String())
	})
	return v
}

// validateInput runs struct validation and converts failures into VALIDATION_ERROR
func validateInput(v *validator.Validate, op string, input interface{}) error {
	err := v.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return invalid(op, "%v", err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, describeFieldError(fe))
	}
	return invalid(op, "%s", strings.Join(parts, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "rbackey":
		return field + " must be lowercase letters, digits, '.', '_' or '-'"
	case "max":
		return field + " must be at most " + fe.Param() + " characters"
	default:
		return field + " failed " + fe.Tag() + " validation"
	}
}

// normalizePermissionInput trims fields and derives or checks the wire name
func normalizePermissionInput(op string, in *PermissionInput) error {
	in.Resource = strings.TrimSpace(in.Resource)
	in.Action = strings.TrimSpace(in.Action)
	in.Name = strings.TrimSpace(in.Name)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if in.Resource == "" || in.Action == "" {
		// reported by the validator with field names; nothing to derive yet
		return nil
	}
	want := PermissionName(in.Resource, in.Action)
	if in.Name == "" {
		in.Name = want
	} else if in.Name != want {
		return invalid(op, "name %q must equal resource:action %q", in.Name, want)
	}
	if in.DisplayName == "" {
		in.DisplayName = want
	}
	return nil
}

func normalizeRoleInput(in *RoleInput) {
	in.Name = strings.TrimSpace(in.Name)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	in.Description = strings.TrimSpace(in.Description)
}

func normalizeModuleInput(in *ModuleInput) {
	in.Name = strings.TrimSpace(in.Name)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	in.Icon = strings.TrimSpace(in.Icon)
	in.Color = strings.TrimSpace(in.Color)
}

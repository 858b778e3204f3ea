package account

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/nyaruka/phonenumbers"
)

const (
	maxNameLen     = 255
	maxEmailLen    = 255
	maxPhoneLen    = 20
	minPasswordLen = 8
	// bcrypt ignores input beyond 72 bytes
	maxPasswordLen = 72
)

var errConfirmation = validation.NewError("validation_confirmed", "the password confirmation does not match")

// RegisterInput is the payload of a registration.
type RegisterInput struct {
	Name                 string `json:"name"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
	Role                 Role   `json:"role"`
	Phone                string `json:"phone"`
	Photo                string `json:"photo"`
}

func (r RegisterInput) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.RuneLength(0, maxNameLen)),
		validation.Field(&r.Email, validation.Required, is.EmailFormat, validation.RuneLength(0, maxEmailLen)),
		validation.Field(&r.Password, validation.Required, validation.Length(minPasswordLen, maxPasswordLen), confirmed(r.PasswordConfirmation)),
		validation.Field(&r.Role, validation.In(Roles[0], Roles[1], Roles[2])),
		validation.Field(&r.Phone, validation.Required, validation.RuneLength(0, maxPhoneLen)),
		validation.Field(&r.Photo, is.URL),
	)
}

// LoginInput is the payload of a credential login.
type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r LoginInput) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.EmailFormat),
		validation.Field(&r.Password, validation.Required),
	)
}

// ProfileInput is a partial profile update. Nil fields are left untouched.
type ProfileInput struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
	Phone *string `json:"phone"`
}

func (r ProfileInput) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.NilOrNotEmpty, validation.RuneLength(0, maxNameLen)),
		validation.Field(&r.Email, validation.NilOrNotEmpty, is.EmailFormat, validation.RuneLength(0, maxEmailLen)),
		validation.Field(&r.Phone, validation.NilOrNotEmpty, validation.RuneLength(0, maxPhoneLen)),
	)
}

// PasswordInput is the payload of a password change.
type PasswordInput struct {
	CurrentPassword      string `json:"current_password"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

func (r PasswordInput) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CurrentPassword, validation.Required),
		validation.Field(&r.Password, validation.Required, validation.Length(minPasswordLen, maxPasswordLen), confirmed(r.PasswordConfirmation)),
	)
}

func confirmed(confirmation string) validation.Rule {
	return validation.By(func(value interface{}) error {
		s, _ := value.(string)
		if s != confirmation {
			return errConfirmation
		}
		return nil
	})
}

// fieldErrors flattens an ozzo validation result into a field map.
func fieldErrors(err error) (map[string]string, bool) {
	var errs validation.Errors
	if !errors.As(err, &errs) {
		return nil, false
	}
	out := make(map[string]string, len(errs))
	for field, e := range errs {
		out[field] = e.Error()
	}
	return out, true
}

func validationFailure(err error) error {
	if fields, ok := fieldErrors(err); ok {
		return ValidationError(fields)
	}
	return internal("validating input", err)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// normalizePhone trims the number and, when a region is configured, requires
// a valid number for that region and rewrites it in E.164.
func normalizePhone(phone, region string) (string, error) {
	phone = strings.TrimSpace(phone)
	if region == "" {
		return phone, nil
	}
	num, err := phonenumbers.Parse(phone, region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", errors.New("must be a valid phone number")
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

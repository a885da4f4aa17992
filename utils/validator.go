package utils

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct checks the `validate` tags of s and joins the failures into
// a single French message.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	var messages []string
	for _, fe := range validationErrors {
		field := lowerFirst(fe.Field())
		switch fe.Tag() {
		case "required":
			messages = append(messages, field+" est requis")
		case "email":
			messages = append(messages, field+" doit être une adresse email valide")
		case "url", "http_url":
			messages = append(messages, field+" doit être une URL valide")
		case "max":
			messages = append(messages, field+" doit contenir au plus "+fe.Param()+" éléments")
		case "min":
			messages = append(messages, field+" doit contenir au moins "+fe.Param()+" éléments")
		default:
			messages = append(messages, field+" est invalide")
		}
	}
	return errors.New(strings.Join(messages, ", "))
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

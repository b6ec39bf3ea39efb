package validate

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// validateDuration checks if a string can be parsed as a Go duration.
// Tag usage: duration
func validateDuration(fl validator.FieldLevel) bool {
	s := getStringValue(fl.Field())
	if s == "" || s == "0" {
		return true // empty/zero = use default
	}

	_, err := time.ParseDuration(s)

	return err == nil
}

// validateNamespace checks a "db.coll" or "db.*" namespace pattern.
// Tag usage: namespace
func validateNamespace(fl validator.FieldLevel) bool {
	s := getStringValue(fl.Field())
	if s == "" {
		return false
	}

	db, coll, found := strings.Cut(s, ".")
	if !found {
		return false
	}

	return db != "" && coll != ""
}

func getStringValue(field reflect.Value) string {
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return ""
		}

		return field.Elem().String()
	}

	return field.String()
}

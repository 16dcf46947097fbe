// Package validation содержит функции валидации входных данных.
package validation

import (
	"regexp"
	"strings"
)

var emailPattern = regexp.MustCompile("^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9-]+(?:\\.[a-zA-Z0-9-]+)*$")

// IsValidEmail проверяет, что адрес соответствует стандартному синтаксису email.
func IsValidEmail(email string) bool {
	if email == "" || strings.TrimSpace(email) != email {
		return false
	}
	return emailPattern.MatchString(email)
}

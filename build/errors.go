// Package build collects small cross-cutting helpers (error composition,
// developer-error reporting, version metadata) shared by every package in
// this module, mirroring the ambient helpers a larger sibling codebase keeps
// in its own build package.
package build

import (
	"errors"
	"strings"
)

// ComposeErrors takes multiple errors and composes them into a single error
// with a longer message. Nil errors are stripped out; if there are zero
// non-nil inputs, nil is returned.
//
// The original types of the errors are not preserved.
func ComposeErrors(errs ...error) error {
	var errStrings []string
	for _, err := range errs {
		if err != nil {
			errStrings = append(errStrings, err.Error())
		}
	}
	if len(errStrings) <= 0 {
		return nil
	}
	return errors.New(strings.Join(errStrings, "; "))
}

// ExtendErr returns a new error which extends the input error with a string.
// If the input error is nil, nil is returned and the string is discarded.
func ExtendErr(s string, err error) error {
	if err == nil {
		return nil
	}
	return errors.New(s + ": " + err.Error())
}

// JoinErrors concatenates the elements of errs into a single error, with sep
// placed between elements. Nil errors are skipped. If errs is empty or
// contains only nil elements, JoinErrors returns nil.
func JoinErrors(errs []error, sep string) error {
	var strs []string
	for _, err := range errs {
		if err != nil {
			strs = append(strs, err.Error())
		}
	}
	if len(strs) > 0 {
		return errors.New(strings.Join(strs, sep))
	}
	return nil
}

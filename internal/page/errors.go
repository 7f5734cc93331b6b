package page

import (
	"errors"
	"fmt"
	"strings"
)

// FormNotFoundError is returned when no element carries the requested id.
type FormNotFoundError struct {
	FormID string
}

func (e *FormNotFoundError) Error() string {
	return fmt.Sprintf("form with id %q not found", e.FormID)
}

// MissingActionError is returned when the form exists but has an empty action attribute.
type MissingActionError struct {
	FormID string
}

func (e *MissingActionError) Error() string {
	return fmt.Sprintf("form %q has no action URL", e.FormID)
}

// ScriptNotFoundError is returned when no script block contains any of the markers.
type ScriptNotFoundError struct {
	Markers []string
}

func (e *ScriptNotFoundError) Error() string {
	return fmt.Sprintf("no script block containing %s", strings.Join(e.Markers, " or "))
}

// MissingClientConfigError is returned when a script variable required to
// build the password submission URL is empty.
type MissingClientConfigError struct {
	Field string
}

func (e *MissingClientConfigError) Error() string {
	return fmt.Sprintf("login page script is missing %s", e.Field)
}

// IsScrapeError reports whether err originates from page layout parsing.
// Scrape failures usually mean the provider changed its markup, so retrying is futile.
func IsScrapeError(err error) bool {
	var (
		formErr   *FormNotFoundError
		actionErr *MissingActionError
		scriptErr *ScriptNotFoundError
		clientErr *MissingClientConfigError
	)
	return errors.As(err, &formErr) ||
		errors.As(err, &actionErr) ||
		errors.As(err, &scriptErr) ||
		errors.As(err, &clientErr)
}

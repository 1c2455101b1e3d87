package bot

import "regexp"

var (
	// Bare three digits: an area code to search and lease from.
	areaCodeRe = regexp.MustCompile(`^\d{3}$`)
	// A full North American number in E.164 form.
	numberRe = regexp.MustCompile(`^\+1\d{10}$`)
)

// IsAreaCode reports whether text is a bare 3-digit area code.
func IsAreaCode(text string) bool { return areaCodeRe.MatchString(text) }

// IsNumber reports whether text is a full +1 number.
func IsNumber(text string) bool { return numberRe.MatchString(text) }

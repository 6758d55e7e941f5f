package sim

import "unicode/utf8"

const (
	MinICCIDLength = 19
	MaxICCIDLength = 20

	// MaxRawLength caps portal fragments surfaced to callers.
	MaxRawLength = 500
)

// ValidateICCID accepts only 19-20 character, all-digit strings. Every ICCID
// handed to a portal-mutating call goes through here first.
func ValidateICCID(field, iccid string) error {
	if err := ValidateICCIDLength(field, iccid); err != nil {
		return err
	}
	for i := 0; i < len(iccid); i++ {
		if iccid[i] < '0' || iccid[i] > '9' {
			return &ValidationError{Field: field, Value: iccid, Reason: "must be numeric"}
		}
	}
	return nil
}

// ValidateICCIDLength checks the 19-20 length bound only. Used for the
// current SIM label of a swap, which the portal accepts in other forms.
func ValidateICCIDLength(field, iccid string) error {
	n := utf8.RuneCountInString(iccid)
	if n < MinICCIDLength || n > MaxICCIDLength {
		return &ValidationError{Field: field, Value: iccid, Reason: "must be 19-20 characters"}
	}
	return nil
}

// TruncateRaw cuts s to at most MaxRawLength characters without splitting a rune.
func TruncateRaw(s string) string {
	if utf8.RuneCountInString(s) <= MaxRawLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxRawLength])
}

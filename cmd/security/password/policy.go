package password

import "unicode/utf8"

// Validate checks the length policy. It does not mutate input.
func (c Config) Validate(secret string) error {
	// Count characters (runes), not bytes.
	n := utf8.RuneCountInString(secret)

	if n < c.Policy.MinLength {
		return ErrSecretTooShort
	}
	if n > c.Policy.MaxLength {
		return ErrSecretTooLong
	}
	return nil
}

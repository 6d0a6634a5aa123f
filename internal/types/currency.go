package types

import "strings"

// NormalizeCurrency upper-cases an ISO-4217 code and rejects anything that is not
// three letters
func NormalizeCurrency(currency string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if len(c) != 3 {
		return "", Invalid("currency", "must be a 3 letter ISO-4217 code")
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", Invalid("currency", "must be a 3 letter ISO-4217 code")
		}
	}
	return c, nil
}

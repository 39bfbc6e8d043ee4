package negotiation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gosuda/haggle/internal/domain"
)

// ParseAmount converts user input such as "45000", "45 000" or "45000.50"
// into a validated offer amount.
func ParseAmount(input string) (float64, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '_':
			return -1
		}
		return r
	}, strings.TrimSpace(input))

	if cleaned == "" {
		return 0, fmt.Errorf("negotiation.ParseAmount: empty amount: %w", domain.ErrInvalidOffer)
	}

	amount, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("negotiation.ParseAmount: %q is not a number: %w", input, domain.ErrInvalidOffer)
	}
	if err := domain.ValidateAmount(amount); err != nil {
		return 0, fmt.Errorf("negotiation.ParseAmount: %w", err)
	}
	return amount, nil
}

package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrTooManyDecimals = errors.New("amount has too many decimal places")
	ErrOverflow        = fmt.Errorf("%w: overflow", ErrInvalidAmount)
	ErrNegative        = fmt.Errorf("%w: negative", ErrInvalidAmount)
)

var hundred = decimal.NewFromInt(100)

// Money is an amount in the smallest currency unit. The sign is meaningful for
// ledger deltas; fields that must stay non-negative are checked with NonNegative.
type Money int64

const Zero Money = 0

func New(minor int64) Money { return Money(minor) }

func (m Money) Int64() int64 { return int64(m) }

func (m Money) Add(n Money) (Money, error) {
	if (n > 0 && m > math.MaxInt64-n) || (n < 0 && m < math.MinInt64-n) {
		return 0, ErrOverflow
	}
	return m + n, nil
}

func (m Money) Sub(n Money) (Money, error) {
	if (n < 0 && m > math.MaxInt64+n) || (n > 0 && m < math.MinInt64+n) {
		return 0, ErrOverflow
	}
	return m - n, nil
}

func (m Money) Neg() (Money, error) {
	if m == math.MinInt64 {
		return 0, ErrOverflow
	}
	return -m, nil
}

func (m Money) Cmp(n Money) int {
	switch {
	case m < n:
		return -1
	case m > n:
		return 1
	default:
		return 0
	}
}

func (m Money) IsZero() bool     { return m == 0 }
func (m Money) IsNegative() bool { return m < 0 }
func (m Money) IsPositive() bool { return m > 0 }

// Positive validates an input amount that must be strictly greater than zero.
func Positive(m Money) error {
	if m <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// NonNegative validates a field declared non-negative.
func NonNegative(m Money) error {
	if m < 0 {
		return ErrNegative
	}
	return nil
}

// Sum adds all values, failing on the first overflow.
func Sum(values ...Money) (Money, error) {
	var total Money
	for _, v := range values {
		next, err := total.Add(v)
		if err != nil {
			return 0, err
		}
		total = next
	}
	return total, nil
}

// Percent returns pct percent of m, truncated toward zero.
func Percent(m Money, pct decimal.Decimal) (Money, error) {
	if pct.IsNegative() {
		return 0, ErrNegative
	}
	value := decimal.NewFromInt(int64(m)).Mul(pct).Div(hundred).Truncate(0)
	if !value.BigInt().IsInt64() {
		return 0, ErrOverflow
	}
	return Money(value.IntPart()), nil
}

// Ratio returns part as a percentage of whole, truncated to 4 decimal places.
func Ratio(part, whole Money) (decimal.Decimal, error) {
	if whole <= 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	return decimal.NewFromInt(int64(part)).Mul(hundred).Div(decimal.NewFromInt(int64(whole))).Truncate(4), nil
}

// Display renders the amount with the currency's symbol and grouping.
func (m Money) Display(currency string) string {
	return gomoney.New(int64(m), currency).Display()
}

func (m Money) String() string {
	return strconv.FormatInt(int64(m), 10)
}

// ParseMinor parses a two-decimal string such as "12.30" into minor units.
// Only operator tooling uses it; the ledger core accepts integers.
func ParseMinor(input string) (int64, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return 0, ErrInvalidAmount
	}
	sign := int64(1)
	switch trimmed[0] {
	case '-':
		sign = -1
		trimmed = trimmed[1:]
	case '+':
		trimmed = trimmed[1:]
	}
	parts := strings.SplitN(trimmed, ".", 2)
	wholePart := parts[0]
	if wholePart == "" {
		wholePart = "0"
	}
	if !isDigits(wholePart) {
		return 0, ErrInvalidAmount
	}
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if len(fracPart) > 2 {
		return 0, ErrTooManyDecimals
	}
	if fracPart != "" && !isDigits(fracPart) {
		return 0, ErrInvalidAmount
	}
	whole, err := strconv.ParseInt(wholePart, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if whole > math.MaxInt64/100 {
		return 0, ErrOverflow
	}
	frac := int64(0)
	if len(fracPart) == 1 {
		frac = int64(fracPart[0]-'0') * 10
	} else if len(fracPart) == 2 {
		value, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return 0, ErrInvalidAmount
		}
		frac = value
	}
	minor := whole*100 + frac
	return sign * minor, nil
}

func FormatMinor(value int64) string {
	negative := value < 0
	if negative {
		value = -value
	}
	whole := value / 100
	frac := value % 100
	formatted := fmt.Sprintf("%d.%02d", whole, frac)
	if negative {
		return "-" + formatted
	}
	return formatted
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

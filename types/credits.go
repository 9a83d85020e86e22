package types

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

// ErrOverflow is returned when credit arithmetic would leave the int64 range.
var ErrOverflow = errors.New("credits: arithmetic overflow")

// AddCredits returns a+b, or ErrOverflow when the sum does not fit in an int64.
func AddCredits(a, b int64) (int64, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, ErrOverflow
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// SubCredits returns a-b, or ErrOverflow when the difference does not fit.
func SubCredits(a, b int64) (int64, error) {
	if b == math.MinInt64 {
		return 0, ErrOverflow
	}
	return AddCredits(a, -b)
}

// SumCredits adds all amounts with overflow checking.
func SumCredits(amounts ...int64) (int64, error) {
	var total int64
	for _, a := range amounts {
		var err error
		if total, err = AddCredits(total, a); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// FormatCredits renders an amount with thousands separators, e.g. "-1,250".
func FormatCredits(amount int64) string {
	s := strconv.FormatInt(amount, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	head := len(s) % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < len(s); i += 3 {
		if b.Len() > 0 && !(neg && b.Len() == 1) {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

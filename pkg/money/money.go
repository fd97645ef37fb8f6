package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Scale is the number of minor units in one major unit (2 decimal places).
const Scale = 100

var (
	ErrNegativeAmount = errors.New("money: amount cannot be negative")
	ErrOverflow       = errors.New("money: amount overflows")
	ErrInvalidFormat  = errors.New("money: invalid amount format")
)

// Money is a non-negative amount held as minor units.
type Money struct {
	minor int64
}

var Zero = Money{}

// FromMinor builds a Money from minor units (cents).
func FromMinor(minor int64) (Money, error) {
	if minor < 0 {
		return Money{}, ErrNegativeAmount
	}
	return Money{minor: minor}, nil
}

// MustFromMinor is FromMinor for constants and tests.
func MustFromMinor(minor int64) Money {
	m, err := FromMinor(minor)
	if err != nil {
		panic(err)
	}
	return m
}

// FromMajor builds a Money from whole currency units.
func FromMajor(major int64) (Money, error) {
	if major < 0 {
		return Money{}, ErrNegativeAmount
	}
	if major > math.MaxInt64/Scale {
		return Money{}, ErrOverflow
	}
	return Money{minor: major * Scale}, nil
}

// MustFromMajor is FromMajor for constants and tests.
func MustFromMajor(major int64) Money {
	m, err := FromMajor(major)
	if err != nil {
		panic(err)
	}
	return m
}

// Parse reads a decimal string such as "1500", "1500.5" or "1500.50".
// More than two fraction digits is rejected rather than rounded.
func Parse(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, ErrInvalidFormat
	}
	if strings.HasPrefix(s, "-") {
		return Money{}, ErrNegativeAmount
	}
	s = strings.TrimPrefix(s, "+")

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" || (hasFrac && (frac == "" || len(frac) > 2)) {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	if w > (math.MaxInt64-f)/Scale {
		return Money{}, ErrOverflow
	}
	return Money{minor: w*Scale + f}, nil
}

func (m Money) Minor() int64 { return m.minor }

func (m Money) IsZero() bool { return m.minor == 0 }

func (m Money) Cmp(o Money) int {
	switch {
	case m.minor < o.minor:
		return -1
	case m.minor > o.minor:
		return 1
	}
	return 0
}

func (m Money) LessThan(o Money) bool { return m.minor < o.minor }

func (m Money) GreaterThanOrEqual(o Money) bool { return m.minor >= o.minor }

func (m Money) Add(o Money) (Money, error) {
	if m.minor > math.MaxInt64-o.minor {
		return Money{}, ErrOverflow
	}
	return Money{minor: m.minor + o.minor}, nil
}

// Sub returns m - o, or ErrNegativeAmount when o is larger than m.
func (m Money) Sub(o Money) (Money, error) {
	if o.minor > m.minor {
		return Money{}, fmt.Errorf("%w: %s - %s", ErrNegativeAmount, m, o)
	}
	return Money{minor: m.minor - o.minor}, nil
}

// Min returns the smaller of a and b.
func Min(a, b Money) Money {
	if a.minor <= b.minor {
		return a
	}
	return b
}

func (m Money) String() string {
	return fmt.Sprintf("%d.%02d", m.minor/Scale, m.minor%Scale)
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts both a JSON number and a quoted decimal string.
func (m *Money) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		return fmt.Errorf("%w: null", ErrInvalidFormat)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m Money) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Money) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

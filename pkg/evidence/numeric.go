package evidence

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Numeric is an unsigned chain integer (up to 256 bits). It marshals as a
// decimal string so values past the float64-safe range survive JSON.
type Numeric struct {
	i big.Int
}

func NumericFromUint64(v uint64) Numeric {
	var n Numeric
	n.i.SetUint64(v)
	return n
}

func NumericFromBig(v *big.Int) Numeric {
	var n Numeric
	n.i.Set(v)
	return n
}

// ParseNumeric accepts a decimal string; it rejects negatives and values
// that do not fit in 256 bits. The cap keeps the packed leaf encoding at
// its fixed field widths.
func ParseNumeric(s string) (Numeric, error) {
	var n Numeric
	trimmed := strings.TrimSpace(s)
	if _, ok := n.i.SetString(trimmed, 10); !ok {
		return Numeric{}, fmt.Errorf("not a decimal integer: %q", s)
	}
	if n.i.Sign() < 0 {
		return Numeric{}, fmt.Errorf("negative value: %q", s)
	}
	if n.i.BitLen() > 256 {
		return Numeric{}, fmt.Errorf("value exceeds 256 bits: %q", s)
	}
	return n, nil
}

func (n Numeric) BigInt() *big.Int { return new(big.Int).Set(&n.i) }
func (n Numeric) Uint64() uint64   { return n.i.Uint64() }
func (n Numeric) String() string   { return n.i.String() }

func (n Numeric) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(n.i.String())), nil
}

// UnmarshalJSON accepts both `"123"` and `123`; stores written by older
// builds used bare numbers.
func (n *Numeric) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' {
		var err error
		s, err = strconv.Unquote(s)
		if err != nil {
			return err
		}
	}
	parsed, err := ParseNumeric(s)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

package tds

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNumericEncodeDecodeRoundtrip(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		scale   uint8
		byteLen int
	}{
		{"small positive, scale 2", "123.45", 2, 5},
		{"small negative, scale 2", "-123.45", 2, 5},
		{"zero", "0", 0, 5},
		{"wide precision", "123456789012345678.1234", 4, 17},
		{"negative wide", "-99999999999999999.0000", 4, 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := decimal.NewFromString(tt.value)
			if err != nil {
				t.Fatalf("parsing fixture %q: %v", tt.value, err)
			}

			wire := encodeNumeric(d, tt.scale, tt.byteLen)
			got, err := decodeNumeric(wire, 38, tt.scale)
			if err != nil {
				t.Fatalf("decodeNumeric: %v", err)
			}

			want := d.Rescale(-int32(tt.scale))
			if !got.Equal(want) {
				t.Errorf("roundtrip = %s, want %s", got, want)
			}
		})
	}
}

func TestDecodeNumericSignByte(t *testing.T) {
	// sign=0 (negative), magnitude 100 in a 4-byte little-endian body.
	b := []byte{0, 100, 0, 0, 0}
	d, err := decodeNumeric(b, 10, 0)
	if err != nil {
		t.Fatalf("decodeNumeric: %v", err)
	}
	if !d.Equal(decimal.NewFromInt(-100)) {
		t.Errorf("decodeNumeric = %s, want -100", d)
	}
}

func TestTenMultTenDivInverse(t *testing.T) {
	v := big.NewInt(12345)
	up := tenMult(v, 3)
	back := tenDiv(up, 3)
	if back.Cmp(v) != 0 {
		t.Errorf("tenDiv(tenMult(v, 3), 3) = %s, want %s", back, v)
	}
}

func TestTenDivTruncatesTowardZero(t *testing.T) {
	got := tenDiv(big.NewInt(1299), 2)
	if want := big.NewInt(12); got.Cmp(want) != 0 {
		t.Errorf("tenDiv(1299, 2) = %s, want %s", got, want)
	}
}

func TestTenMultTenDivNoopForNonPositiveN(t *testing.T) {
	v := big.NewInt(42)
	if got := tenMult(v, 0); got.Cmp(v) != 0 {
		t.Errorf("tenMult(v, 0) = %s, want %s", got, v)
	}
	if got := tenDiv(v, -1); got.Cmp(v) != 0 {
		t.Errorf("tenDiv(v, -1) = %s, want %s", got, v)
	}
}

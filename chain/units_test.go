package chain

import (
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

func TestToWei(t *testing.T) {
	cases := []struct {
		in   string
		want string
		err  error
	}{
		{in: "1", want: "1000000000000000000"},
		{in: "0.5", want: "500000000000000000"},
		{in: "0.000000000000000001", want: "1"},
		{in: "123.456", want: "123456000000000000000"},
		{in: "0", err: ErrNonPositiveAmount},
		{in: "-1", err: ErrNonPositiveAmount},
		{in: "0.0000000000000000001", err: ErrAmountPrecision},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ToWei(decimal.RequireFromString(tc.in))
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.String() != tc.want {
				t.Fatalf("expected %s got %s", tc.want, got)
			}
		})
	}
}

func TestWeiRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.Int64Range(1, 1<<62).Draw(t, "wei")
		wei := big.NewInt(n)
		back, err := ToWei(FromWei(wei))
		if err != nil {
			t.Fatalf("round trip: %v", err)
		}
		if back.Cmp(wei) != 0 {
			t.Fatalf("expected %s got %s", wei, back)
		}
	})
}

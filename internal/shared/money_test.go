package shared

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCents(t *testing.T) {
	cases := map[string]Cents{
		"1000.00":     100000,
		"1000.000000": 100000,
		"49.99":       4999,
		"0.005":       1,
		"-12.5":       -1250,
		"1,234.56":    123456,
	}
	for raw, want := range cases {
		got, err := ParseCents(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}

	_, err := ParseCents("abc")
	require.ErrorIs(t, err, ErrInvalidAmount)
	require.Equal(t, KindValidation, KindOf(err))

	for _, raw := range []string{"184467440737095516.17", "-92233720368547758.09"} {
		_, err = ParseCents(raw)
		require.ErrorIs(t, err, ErrInvalidAmount, raw)
	}
	got, err := ParseCents("92233720368547758.07")
	require.NoError(t, err)
	require.Equal(t, Cents(math.MaxInt64), got)
}

func TestAddCents(t *testing.T) {
	sum, ok := AddCents(150, -50)
	require.True(t, ok)
	require.Equal(t, Cents(100), sum)

	_, ok = AddCents(math.MaxInt64, 1)
	require.False(t, ok)
	_, ok = AddCents(math.MinInt64, -1)
	require.False(t, ok)
}

func TestCentsString(t *testing.T) {
	require.Equal(t, "50.00", Cents(5000).String())
	require.Equal(t, "-0.01", Cents(-1).String())
	require.Equal(t, Cents(7), Cents(-7).Abs())
}

func TestKindOf(t *testing.T) {
	sentinel := NewError(KindIntegrity, "Broken", "pkg: broken")
	wrapped := fmt.Errorf("close period 3: %w", sentinel)
	require.Equal(t, KindIntegrity, KindOf(wrapped))
	require.Equal(t, "Broken", CodeOf(wrapped))
	require.ErrorIs(t, wrapped, sentinel)

	transient := Transient("OdooUnavailable", errors.New("502 bad gateway"))
	require.True(t, IsRetryable(transient))
	require.Equal(t, KindInternal, KindOf(errors.New("boom")))
	require.Equal(t, Kind(""), KindOf(nil))
}

func TestFoldAndTokens(t *testing.T) {
	require.Equal(t, "situacion del contribuyente", Fold("  Situación del CONTRIBUYENTE "))
	stop := map[string]struct{}{"de": {}}
	require.Equal(t, []string{"pago", "acme", "1234"}, Tokens("Pago de ACME #1234 acme", stop))
}

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealer("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	require.NoError(t, err)
	box, err := sealer.Seal([]byte("odoo-secret"))
	require.NoError(t, err)
	plain, err := sealer.Open(box)
	require.NoError(t, err)
	require.Equal(t, "odoo-secret", string(plain))

	box[len(box)-1] ^= 0xff
	_, err = sealer.Open(box)
	require.ErrorIs(t, err, ErrDecrypt)

	_, err = NewSealer("short")
	require.ErrorIs(t, err, ErrSecretKey)
}

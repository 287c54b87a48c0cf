package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+971 50 123 4567":  "+971501234567",
		"00971501234567":    "+971501234567",
		"971501234567":      "+971501234567",
		"(20) 100-555-1234": "+201005551234",
		"":                  "",
		"12":                "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePhone(in), in)
	}
}

func TestWaID(t *testing.T) {
	assert.Equal(t, "971501234567", WaID("+971 50 123 4567"))
}

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	assert.Len(t, a, 26)
	assert.Less(t, a, b)
}

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntFromEnv(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{raw: "", want: 3},
		{raw: "4", want: 4},
		{raw: "bad", want: 3},
		{raw: "0", want: 3},
	}
	for _, tc := range cases {
		t.Setenv(maxOpenConnsEnvKey, tc.raw)
		assert.Equal(t, tc.want, intFromEnv(maxOpenConnsEnvKey, 3), "value %q", tc.raw)
	}
}

func TestDurationFromEnv(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{raw: "", want: 2 * time.Minute},
		{raw: "45s", want: 45 * time.Second},
		{raw: "30", want: 30 * time.Second},
		{raw: "invalid", want: 2 * time.Minute},
	}
	for _, tc := range cases {
		t.Setenv(connMaxLifetimeEnvKey, tc.raw)
		assert.Equal(t, tc.want, durationFromEnv(connMaxLifetimeEnvKey, 2*time.Minute), "value %q", tc.raw)
	}
}

package timespan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{
			name:  "half hour",
			input: "00:30:00",
			want:  30 * time.Minute,
		},
		{
			name:  "seconds only",
			input: "00:00:45",
			want:  45 * time.Second,
		},
		{
			name:  "hours above 23 without days",
			input: "48:00:00",
			want:  48 * time.Hour,
		},
		{
			name:  "day component",
			input: "2.01:30:00",
			want:  49*time.Hour + 30*time.Minute,
		},
		{
			name:  "surrounding whitespace",
			input: "  01:00:00 ",
			want:  time.Hour,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "two components",
			input:   "30:00",
			wantErr: true,
		},
		{
			name:    "minutes out of range",
			input:   "00:75:00",
			wantErr: true,
		},
		{
			name:    "negative component",
			input:   "00:-5:00",
			wantErr: true,
		},
		{
			name:    "hours out of range with days",
			input:   "1.30:00:00",
			wantErr: true,
		},
		{
			name:    "not a number",
			input:   "aa:bb:cc",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "00:30:00", Format(30*time.Minute))
	assert.Equal(t, "00:00:00", Format(0))
	assert.Equal(t, "00:00:00", Format(-5*time.Second))
	assert.Equal(t, "1.02:03:04", Format(26*time.Hour+3*time.Minute+4*time.Second))
	assert.Equal(t, "23:59:59", Format(24*time.Hour-time.Second))
}

func TestFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"00:30:00", "01:02:03", "3.04:05:06"} {
		d, err := Parse(s)
		require.NoError(t, err)
		assert.Equal(t, s, Format(d))
	}
}

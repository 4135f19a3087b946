package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusString(t *testing.T) {
	assert.Equal(t, "Pending", StatusPending.String())
	assert.Equal(t, "Done", StatusDone.String())
	assert.Equal(t, "Unknown(42)", JobStatus(42).String())
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want JobStatus
		ok   bool
	}{
		{"Pending", StatusPending, true},
		{"running", StatusRunning, true},
		{"5", StatusDone, true},
		{" 3 ", StatusCanceled, true},
		{"9", 0, false},
		{"bogus", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseStatus(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestStatusClasses(t *testing.T) {
	for _, st := range AllStatuses {
		if st.IsFinal() {
			assert.False(t, st.IsDispatchable(), st.String())
		}
	}
	assert.True(t, StatusReturned.IsDispatchable())
	assert.False(t, StatusRunning.IsDispatchable())
	assert.True(t, StatusCanceled.IsFinal())
}

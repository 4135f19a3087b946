package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pkt.systems/pslog"
)

func TestSubsystem(t *testing.T) {
	assert.Equal(t, "server.session", Subsystem("server", "", ".session."))
	assert.Equal(t, "", Subsystem())
}

func TestWithSubsystemTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.DebugLevel,
	})

	WithSubsystem(logger, "queue.sweep").Info("queue.timeout.requeued", "job", "JSID_01_1")

	out := buf.String()
	assert.True(t, strings.Contains(out, "queue.sweep"), out)
	assert.True(t, strings.Contains(out, "queue.timeout.requeued"), out)
}

func TestWithSubsystemNilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		WithSubsystem(nil, "x").Info("noop")
		OrNoop(nil).Debug("noop")
	})
}

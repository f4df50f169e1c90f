package branchlog

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestLogger() (*Logger, *bytes.Buffer) {
	base := logrus.New()
	var buf bytes.Buffer
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetLevel(logrus.DebugLevel)
	return New(base), &buf
}

func TestDebugfIncludesSubjectField(t *testing.T) {
	l, buf := newTestLogger()
	l.Debugf("a/b.txt", "retrieved %d bytes", 42)

	assert.Contains(t, buf.String(), `"subject":"a/b.txt"`)
	assert.Contains(t, buf.String(), "retrieved 42 bytes")
}

func TestWithTagsComponentField(t *testing.T) {
	l, buf := newTestLogger()
	l.With("vfs").Infof("a/b.txt", "opened")

	assert.Contains(t, buf.String(), `"component":"vfs"`)
}

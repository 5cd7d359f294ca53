//go:build test

package testutils

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// TempDBPath returns a database path inside a per-test temporary directory.
func (h *TestHelper) TempDBPath() string {
	return filepath.Join(h.T.TempDir(), "bioinfo.db")
}

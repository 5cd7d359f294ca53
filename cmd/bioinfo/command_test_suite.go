//go:build test

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/bioinfo/internal/model"
	"github.com/srg/bioinfo/internal/remote/remotetest"
	"github.com/srg/bioinfo/internal/store"
	"github.com/srg/bioinfo/internal/testutils"
	"github.com/srg/bioinfo/pkg/config"
	"github.com/stretchr/testify/suite"
	"gopkg.in/yaml.v3"
)

const testToken = "t0k3n"

// CommandTestSuite runs commands against a fake API, a temporary database
// and a mock sensor. All cmd/bioinfo suites embed it.
type CommandTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	ctx    context.Context

	server *remotetest.Server
	store  *store.Store
	config map[string]any

	radio *testutils.MockRadio
	link  *testutils.MockLink

	restoreRadio func(*logrus.Logger) radio
}

func (s *CommandTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.ctx = context.Background()
	s.server = remotetest.NewServer(testToken)

	for _, env := range []string{config.EnvAPIURL, config.EnvToken, config.EnvDB} {
		s.T().Setenv(env, "")
	}

	dbPath := filepath.Join(s.T().TempDir(), "bioinfo.db")
	st, err := store.Open(s.ctx, dbPath, s.helper.Logger)
	s.Require().NoError(err)
	s.store = st

	s.config = map[string]any{
		"log_level":     "error",
		"database_path": dbPath,
		"api":           map[string]any{"base_url": s.server.URL, "timeout": "2s"},
		"auth":          map[string]any{"token": testToken},
		"device": map[string]any{
			"connect_timeout":   "1s",
			"handshake_timeout": "1s",
			"read_interval":     "10ms",
		},
		"scan":     map[string]any{"timeout": "100ms"},
		"session":  map[string]any{"sample_interval": "20ms"},
		"sync":     map[string]any{"interval": "1h"},
		"location": map[string]any{"static_lat": 39.95, "static_lon": -75.19},
		"user": map[string]any{
			"id":          "user-1",
			"group_name":  "G1",
			"class_name":  "Bio",
			"school_name": "Central",
		},
	}

	s.UseSensor(testutils.NewSensorBuilder())
	s.restoreRadio = newRadio
	newRadio = func(*logrus.Logger) radio { return s.radio }
}

func (s *CommandTestSuite) TearDownTest() {
	newRadio = s.restoreRadio
	s.server.Close()
	s.Require().NoError(s.store.Close())
}

// UseSensor replaces the radio handed to commands.
func (s *CommandTestSuite) UseSensor(b *testutils.SensorBuilder) {
	s.radio, s.link = b.Build()
}

// SetConfig overrides a top-level config section or value.
func (s *CommandTestSuite) SetConfig(key string, value any) {
	s.config[key] = value
}

func (s *CommandTestSuite) writeConfig() string {
	data, err := yaml.Marshal(s.config)
	s.Require().NoError(err)
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	s.Require().NoError(os.WriteFile(path, data, 0o600))
	return path
}

// ExecuteCommand runs the root command with args and returns what was
// written to stdout. Flags are reset to their defaults first.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	return s.ExecuteCommandContext(s.ctx, args...)
}

// ExecuteCommandContext is ExecuteCommand with a caller-supplied context.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, args ...string) (string, error) {
	resetCommands(rootCmd, ctx)

	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(append(args, "--config", s.writeConfig(), "--no-color"))

	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

// SeedSession stores a session directly in the test database.
func (s *CommandTestSuite) SeedSession(title string, serverID *int64, pending bool) *model.Session {
	sess := &model.Session{
		ServerID:       serverID,
		UserID:         "user-1",
		GroupName:      model.Ptr("G1"),
		ClassName:      "Bio",
		SchoolName:     "Central",
		DeviceName:     model.Ptr("Bioinfo"),
		StartTimestamp: 1_700_000_000_000,
		Title:          title,
		PendingUpload:  pending,
	}
	id, err := s.store.UpsertSession(s.ctx, sess)
	s.Require().NoError(err)
	sess.LocalID = id
	return sess
}

// SeedEntry stores a pending data entry for sess.
func (s *CommandTestSuite) SeedEntry(sess *model.Session, ts int64) *model.DataEntry {
	e := &model.DataEntry{
		UserID:          sess.UserID,
		LocalSessionID:  &sess.LocalID,
		RemoteSessionID: sess.ServerID,
		Timestamp:       ts,
		COLevel:         model.Ptr(float32(0.5)),
		Temperature:     model.Ptr(float32(21.5)),
		PendingUpload:   true,
	}
	id, err := s.store.UpsertDataEntry(s.ctx, e)
	s.Require().NoError(err)
	e.LocalID = id
	return e
}

// resetCommands restores every flag of cmd and its children to its default
// and hands them ctx. Cobra keeps the context of a subcommand's first run
// otherwise.
func resetCommands(cmd *cobra.Command, ctx context.Context) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	cmd.SetContext(ctx)
	for _, c := range cmd.Commands() {
		resetCommands(c, ctx)
	}
}

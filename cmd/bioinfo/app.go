package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bioinfo/internal/auth"
	"github.com/srg/bioinfo/internal/device"
	goble "github.com/srg/bioinfo/internal/device/go-ble"
	"github.com/srg/bioinfo/internal/location"
	"github.com/srg/bioinfo/internal/model"
	"github.com/srg/bioinfo/internal/remote"
	"github.com/srg/bioinfo/internal/store"
	"github.com/srg/bioinfo/internal/syncer"
	"github.com/srg/bioinfo/pkg/config"
)

type radio interface {
	device.Radio
	device.ScanRadio
}

// newRadio creates the BLE radio (can be overridden in tests)
var newRadio = func(logger *logrus.Logger) radio {
	return goble.NewRadio(logger)
}

// app holds what a command needs after the config is loaded.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	store  *store.Store
}

// loadApp reads the config and sets up logging.
func loadApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger}, nil
}

// openApp is loadApp plus the local store.
func openApp(cmd *cobra.Command) (*app, error) {
	a, err := loadApp(cmd)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cmd.Context(), a.cfg.DatabasePath, a.logger)
	if err != nil {
		return nil, err
	}
	a.store = st
	return a, nil
}

func (a *app) Close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close store")
	}
}

func (a *app) gateway() *remote.Gateway {
	return remote.NewGateway(a.cfg.API.BaseURL, a.logger, remote.WithTimeout(a.cfg.API.Timeout))
}

// tokens picks the token source from the auth config.
func (a *app) tokens(ctx context.Context) auth.TokenProvider {
	c := a.cfg.Auth
	switch {
	case c.Token != "":
		return auth.Static(c.Token)
	case c.RefreshToken != "" && c.TokenURL != "":
		return auth.NewRefreshTokenSource(ctx, c.TokenURL, c.ClientID, c.ClientSecret, c.RefreshToken)
	case c.ClientID != "" && c.TokenURL != "":
		return auth.NewClientCredentials(ctx, c.TokenURL, c.ClientID, c.ClientSecret)
	default:
		return auth.Static("")
	}
}

func (a *app) engine(ctx context.Context) *syncer.Engine {
	return syncer.NewEngine(a.store, a.gateway(), a.tokens(ctx), a.logger)
}

func (a *app) connectOptions() *device.ConnectOptions {
	opts := device.DefaultConnectOptions()
	opts.ConnectTimeout = a.cfg.Device.ConnectTimeout
	opts.HandshakeTimeout = a.cfg.Device.HandshakeTimeout
	opts.ReadInterval = a.cfg.Device.ReadInterval
	return opts
}

// location returns the configured location provider and a function that
// releases it. A GPS receiver that cannot be opened is logged and replaced
// by no location.
func (a *app) location(ctx context.Context) (location.Provider, func()) {
	c := a.cfg.Location
	switch {
	case c.GPSPort != "":
		gps := location.NewNMEA(location.NMEAOptions{Port: c.GPSPort, Baud: c.GPSBaud}, a.logger)
		if err := gps.Start(ctx); err != nil {
			a.logger.WithError(err).WithField("port", c.GPSPort).Warn("GPS unavailable, recording without location")
			return location.None{}, func() {}
		}
		return gps, func() { _ = gps.Close() }
	case c.HasStatic():
		return location.Static{Latitude: *c.StaticLat, Longitude: *c.StaticLon}, func() {}
	default:
		return location.None{}, func() {}
	}
}

// resolveSession finds the session named by a command argument; byServerID
// selects the server id instead of the local id.
func (a *app) resolveSession(ctx context.Context, arg string, byServerID bool) (*model.Session, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid session id %q", arg)
	}

	ref := model.Local(id)
	if byServerID {
		ref = model.Remote(id)
	}
	sess, err := a.store.GetSession(ctx, ref)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, ref)
	}
	return sess, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/chaz8081/meterlink/internal/api"
	"github.com/chaz8081/meterlink/internal/config"
	"github.com/chaz8081/meterlink/internal/diag"
	"github.com/chaz8081/meterlink/internal/permission"
	"github.com/chaz8081/meterlink/internal/provision"
	"github.com/chaz8081/meterlink/internal/store"
)

var errNoMeter = errors.New("no meter found; run 'meterlink scan' and pass --address")

func newRequester(cfg config.PermissionsConfig) (permission.Requester, error) {
	switch strings.ToLower(cfg.Requester) {
	case "", "bluez":
		return permission.NewBlueZ(""), nil
	case "static":
		return permission.NewStatic(cfg.Granted...), nil
	}
	return nil, fmt.Errorf("unknown permission requester %q", cfg.Requester)
}

func engineOptions(cfg config.BLEConfig, logger *slog.Logger) (provision.Options, error) {
	mode, err := provision.ParseMatchMode(cfg.MatchMode)
	if err != nil {
		return provision.Options{}, err
	}
	return provision.Options{
		ServiceUUID:     cfg.ServiceUUID,
		MessageCharUUID: cfg.MessageCharUUID,
		WriteCharUUID:   cfg.WriteCharUUID,
		ScanTimeout:     cfg.ScanTimeout,
		ConnectTimeout:  cfg.ConnectTimeout,
		ConfirmTimeout:  cfg.ConfirmTimeout,
		AutoConnect:     cfg.AutoConnect,
		Matcher: provision.Matcher{
			Mode:       mode,
			Names:      cfg.DeviceNames,
			Substrings: cfg.NameSubstrings,
		},
		Logger: logger,
	}, nil
}

// session bundles the collaborators of one BLE run.
type session struct {
	log    *diag.Log
	gate   *permission.Gatekeeper
	engine *provision.Engine
}

func (c *Cli) newSession(tweak func(*provision.Options)) (*session, error) {
	req, err := c.newRequester(c.cfg.Permissions)
	if err != nil {
		return nil, err
	}
	tier, err := permission.ParseTier(c.cfg.Permissions.Tier)
	if err != nil {
		return nil, err
	}
	opts, err := engineOptions(c.cfg.BLE, c.logger)
	if err != nil {
		return nil, err
	}
	if tweak != nil {
		tweak(&opts)
	}

	log := diag.NewLog(c.logger)
	gate := permission.New(permission.Options{
		Tier:          tier,
		RuntimeGrants: c.cfg.Permissions.RuntimeGrants,
		CheckOnWrite:  c.cfg.Permissions.CheckOnWrite,
		Logger:        c.logger,
	}, req, log)

	return &session{
		log:    log,
		gate:   gate,
		engine: provision.New(c.newAdapter(), gate, log, opts),
	}, nil
}

func (s *session) Close() error { return s.engine.Close() }

// follow prints log entries to w as they arrive. The returned func stops
// following and waits for pending output.
func (s *session) follow(w io.Writer) func() {
	entries, cancel := s.log.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			fmt.Fprintln(w, e.String())
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// connectMeter connects to address, or scans and lets auto-connect pick the
// meter when address is empty. It returns once the link is ready.
func connectMeter(ctx context.Context, e *provision.Engine, address string) (provision.State, error) {
	if address != "" {
		if err := e.Connect(ctx, address); err != nil {
			return e.State(), err
		}
		return e.State(), nil
	}

	if err := e.StartScan(ctx); err != nil {
		return e.State(), err
	}
	s, err := e.Wait(ctx, func(s provision.State) bool {
		return s.Ready || s.Phase == provision.PhaseError || s.Phase == provision.PhaseDisconnected
	})
	if err != nil {
		_ = e.StopScan()
		return s, err
	}
	if !s.Ready {
		if s.Err != "" {
			return s, fmt.Errorf("connect: %s", s.Err)
		}
		return s, errNoMeter
	}
	return s, nil
}

func (c *Cli) openStore() (*store.BoltStore, error) {
	return store.NewBoltStore(c.cfg.StorePath)
}

// apiClient returns a backend client carrying the stored user's token, if
// any.
func (c *Cli) apiClient(st store.Store) *api.Client {
	client := api.New(api.Options{
		BaseURL:     c.cfg.Backend.BaseURL,
		Timeout:     c.cfg.Backend.Timeout,
		MaxFailures: c.cfg.Backend.Breaker.MaxFailures,
		OpenTimeout: c.cfg.Backend.Breaker.OpenTimeout,
		Logger:      c.logger,
	})
	if st != nil {
		if u, err := st.LoadUser(); err == nil {
			client.SetToken(u.Token)
		}
	}
	return client
}

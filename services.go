package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/poesterlin/tolino-calibre-sync/internal/calibre"
	"github.com/poesterlin/tolino-calibre-sync/internal/config"
	"github.com/poesterlin/tolino-calibre-sync/internal/digest"
	"github.com/poesterlin/tolino-calibre-sync/internal/state"
	"github.com/poesterlin/tolino-calibre-sync/internal/sync"
	"github.com/poesterlin/tolino-calibre-sync/internal/tolino"
)

// userAgent returns the configured user agent, adding the build version to
// the default one.
func userAgent(cfg *config.Resolved) string {
	if cfg.Network.UserAgent == "" || cfg.Network.UserAgent == config.DefaultUserAgent {
		return config.DefaultUserAgent + "/" + version
	}

	return cfg.Network.UserAgent
}

func httpClient(cfg *config.Resolved) *http.Client {
	return &http.Client{Timeout: cfg.Network.TimeoutDuration()}
}

// newCalibreClient builds the library client. Digest credentials are only
// used when both halves are configured.
func newCalibreClient(cfg *config.Resolved, logger *slog.Logger) *calibre.Client {
	var creds digest.Credentials
	if cfg.Calibre.Username != "" && cfg.Calibre.Password != "" {
		creds = digest.Credentials{Username: cfg.Calibre.Username, Password: cfg.Calibre.Password}
	}

	fetcher := digest.NewClient(httpClient(cfg), creds, userAgent(cfg), logger)

	return calibre.NewClient(cfg.Calibre.BaseURL, cfg.Calibre.LibraryID, fetcher, logger)
}

// newSession builds a logged-out cloud session for the configured partner.
func newSession(cfg *config.Resolved, logger *slog.Logger) (*tolino.Session, error) {
	partner, err := tolino.LookupPartner(cfg.Tolino.PartnerID)
	if err != nil {
		return nil, err
	}

	return tolino.NewSession(tolino.SessionConfig{
		Partner:    partner,
		Mode:       tolino.LoginMode(cfg.Tolino.LoginMode),
		HardwareID: cfg.Tolino.HardwareID,
		Credentials: tolino.FlowCredentials{
			Username:     cfg.Tolino.Username,
			Password:     cfg.Tolino.Password,
			RefreshToken: cfg.Tolino.RefreshToken,
		},
		TokenFile:    cfg.Tolino.TokenFile,
		DeleteMethod: strings.ToUpper(cfg.Tolino.DeleteMethod),
		HTTPClient:   httpClient(cfg),
		UserAgent:    userAgent(cfg),
	}, logger)
}

// withSession logs in, runs fn and logs out again. A logout failure is
// only logged when fn already failed.
func withSession(ctx context.Context, cc *CLIContext, fn func(*tolino.Session) error) (err error) {
	session, err := newSession(cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}

	if err := session.Login(ctx); err != nil {
		return fmt.Errorf("logging in to %s: %w", session.Partner().Name, err)
	}

	defer func() {
		if lerr := session.Logout(context.WithoutCancel(ctx)); lerr != nil {
			cc.Logger.Warn("logout failed", slog.String("error", lerr.Error()))

			if err == nil {
				err = fmt.Errorf("logging out: %w", lerr)
			}
		}
	}()

	return fn(session)
}

// safetyConfig converts the configured big-delete thresholds.
func safetyConfig(cfg *config.Resolved) *sync.SafetyConfig {
	return &sync.SafetyConfig{
		BigDeleteMinItems:   cfg.Safety.BigDeleteMinItems,
		BigDeleteMaxCount:   cfg.Safety.BigDeleteThreshold,
		BigDeleteMaxPercent: float64(cfg.Safety.BigDeletePercentage),
	}
}

// newEngine wires the library client, cloud session and state store into a
// sync engine. The caller closes the returned store.
func newEngine(ctx context.Context, cc *CLIContext) (*sync.Engine, state.Store, error) {
	cfg := cc.Cfg

	session, err := newSession(cfg, cc.Logger)
	if err != nil {
		return nil, nil, err
	}

	store, err := state.Open(ctx, cfg.Sync.StateFile, cc.Logger)
	if err != nil {
		return nil, nil, err
	}

	engine, err := sync.NewEngine(&sync.EngineConfig{
		Catalog: newCalibreClient(cfg, cc.Logger),
		Cloud:   session,
		Store:   store,
		Executor: sync.ExecutorConfig{
			StagingDir:       cfg.Sync.StagingDir,
			PreferredFormats: cfg.Calibre.PreferredFormats,
			UploadCovers:     cfg.Sync.UploadCovers,
			UpdateMetadata:   cfg.Sync.UpdateMetadata,
			Collection:       cfg.Sync.Collection,
		},
		Safety: safetyConfig(cfg),
		Logger: cc.Logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	return engine, store, nil
}

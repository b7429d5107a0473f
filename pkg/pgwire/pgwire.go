// Package pgwire implements the Wire-Session Bridge (§4.9): authenticate,
// create_session, update_activity, close_session, list_sessions, and
// cleanup_stale, layered over workspace credentials and wire-session rows
// in the catalog. The stale-sweep loop follows the same ticker idiom as
// pkg/idempotency's sweeper, itself adapted from the teacher's
// pkg/reconciler background loop.
package pgwire

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/keboola/storage-duckdb/pkg/apierr"
	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/types"
	"github.com/rs/zerolog"
)

// IdleTimeout is how long a session may sit without activity before the
// sweeper marks it idle_timeout.
const IdleTimeout = 30 * time.Minute

// SweepInterval is how often the background sweeper checks for stale
// sessions.
const SweepInterval = time.Minute

// Bridge authenticates workspace credentials and tracks wire-protocol
// sessions.
type Bridge struct {
	cat *catalog.Catalog
	log zerolog.Logger
}

func New(cat *catalog.Catalog, logger zerolog.Logger) *Bridge {
	return &Bridge{cat: cat, log: logger}
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Authenticate verifies a username/password against a Workspace row,
// rejecting inactive or expired workspaces.
func (b *Bridge) Authenticate(username, password string) (*types.Workspace, error) {
	ws, err := b.cat.GetWorkspaceByUsername(username)
	if err != nil {
		return nil, apierr.Unauthenticated("invalid credentials")
	}
	if !ws.Active {
		return nil, apierr.Unauthenticated("workspace is inactive")
	}
	if ws.ExpiresAt != nil && time.Now().After(*ws.ExpiresAt) {
		return nil, apierr.Unauthenticated("workspace credentials expired")
	}
	if subtle.ConstantTimeCompare([]byte(ws.PasswordHash), []byte(hashPassword(password))) != 1 {
		return nil, apierr.Unauthenticated("invalid credentials")
	}
	return ws, nil
}

// CreateSession registers a new active session for an authenticated
// workspace, refusing if the workspace is already at its connection cap.
func (b *Bridge) CreateSession(ws *types.Workspace, clientAddr string) (*types.WireSession, error) {
	active, err := b.cat.CountActiveSessions(ws.Username)
	if err != nil {
		return nil, err
	}
	if ws.MaxConnections > 0 && active >= ws.MaxConnections {
		return nil, apierr.TooManyRequests("workspace %s is at its connection limit", ws.Username)
	}

	now := time.Now()
	session := &types.WireSession{
		ID:           uuid.NewString(),
		Workspace:    ws.Username,
		Project:      ws.Project,
		Branch:       ws.Branch,
		ClientAddr:   clientAddr,
		StartedAt:    now,
		LastActivity: now,
		Status:       types.SessionActive,
	}
	if err := b.cat.PutWireSession(session); err != nil {
		return nil, err
	}
	return session, nil
}

// UpdateActivity bumps a session's last-activity timestamp and query
// count, keeping it from being swept as stale.
func (b *Bridge) UpdateActivity(sessionID string) error {
	session, err := b.cat.GetWireSession(sessionID)
	if err != nil {
		return err
	}
	session.LastActivity = time.Now()
	session.QueryCount++
	return b.cat.PutWireSession(session)
}

// CloseSession marks a session closed with the given terminal status
// (user_disconnect or error) and leaves the row for audit rather than
// deleting it.
func (b *Bridge) CloseSession(sessionID string, status types.WireSessionStatus) error {
	session, err := b.cat.GetWireSession(sessionID)
	if err != nil {
		return err
	}
	session.Status = status
	return b.cat.PutWireSession(session)
}

func (b *Bridge) ListSessions(workspace string) ([]*types.WireSession, error) {
	return b.cat.ListWireSessions(workspace, types.SessionActive)
}

// CleanupStale transitions every active session idle past IdleTimeout to
// idle_timeout, returning the count transitioned.
func (b *Bridge) CleanupStale() (int, error) {
	sessions, err := b.cat.ListWireSessions("", types.SessionActive)
	if err != nil {
		return 0, err
	}
	n := 0
	cutoff := time.Now().Add(-IdleTimeout)
	for _, s := range sessions {
		if s.LastActivity.Before(cutoff) {
			s.Status = types.SessionIdleTimeout
			if err := b.cat.PutWireSession(s); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// RunSweeper blocks, running CleanupStale every SweepInterval, until ctx
// is cancelled.
func (b *Bridge) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.CleanupStale()
			if err != nil {
				b.log.Error().Err(err).Msg("wire session sweep failed")
				continue
			}
			if n > 0 {
				b.log.Debug().Int("transitioned", n).Msg("swept stale wire sessions")
			}
		}
	}
}

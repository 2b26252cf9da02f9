// Package streamtoken issues and resolves short-lived, single-use
// stream connect tokens that bind a client to a PC session for the
// relay handshake, and derives the deterministic relay room key from a
// token without leaking the token itself.
package streamtoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/rjsadow/relaydesk/internal/apperr"
	"github.com/rjsadow/relaydesk/internal/config"
	"github.com/rjsadow/relaydesk/internal/db"
)

// Service implements issue/resolve/deriveStreamId.
type Service struct {
	db  *db.DB
	cfg *config.Config
}

// New builds a stream token service.
func New(database *db.DB, cfg *config.Config) *Service {
	return &Service{db: database, cfg: cfg}
}

func generateToken() (string, error) {
	buf := make([]byte, 24) // >= 192 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue implements issue(pcId, userId): requires an ACTIVE session bound
// to both, captures the caller IP into that session if absent.
func (s *Service) Issue(ctx context.Context, pcID, userID, callerIP string) (*db.StreamConnectToken, error) {
	var out *db.StreamConnectToken
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		session, err := s.db.GetNonTerminalSessionForUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if session == nil || session.PCID != pcID || session.Status != db.SessionStatusActive {
			return apperr.SessionNotActive("no active session bound to this pc for this user")
		}

		if callerIP != "" {
			if err := s.db.SetSessionClientIPIfAbsent(ctx, tx, session.ID, callerIP); err != nil {
				return err
			}
		}

		token, err := generateToken()
		if err != nil {
			return err
		}
		now := time.Now()
		record := &db.StreamConnectToken{
			Token:     token,
			PCID:      pcID,
			UserID:    userID,
			SessionID: session.ID,
			ExpiresAt: now.Add(s.cfg.StreamConnectTokenTTL),
		}
		if err := s.db.CreateStreamToken(ctx, tx, record); err != nil {
			return err
		}
		out = record
		return nil
	})
	return out, err
}

// ResolveResult is the PC connection endpoint handed back on a
// successful resolve.
type ResolveResult struct {
	ConnectAddress string
	ConnectHint    string
	PCName         string
}

// Resolve implements resolve(token): single-use, atomically marks
// consumedAt on success.
func (s *Service) Resolve(ctx context.Context, token string) (*ResolveResult, error) {
	var out *ResolveResult
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		rec, err := s.db.GetStreamToken(ctx, tx, token)
		if err != nil {
			return err
		}
		if rec == nil {
			return apperr.TokenInvalid("unknown stream token")
		}
		now := time.Now()
		if !rec.ExpiresAt.After(now) {
			return apperr.TokenExpired("stream token expired")
		}
		if !rec.ConsumedAt.IsZero() {
			return apperr.TokenConsumed("stream token already consumed")
		}

		session, err := s.db.GetSession(ctx, tx, rec.SessionID)
		if err != nil {
			return err
		}
		if session == nil || session.Status != db.SessionStatusActive {
			return apperr.SessionNotActive("session bound to token is not active")
		}

		pc, err := s.db.GetPC(ctx, tx, rec.PCID)
		if err != nil {
			return err
		}
		address := pc.ConnectAddress
		if address == "" && pc.ConnectionHost != "" {
			address = fmt.Sprintf("%s:%d", pc.ConnectionHost, pc.ConnectionPort)
		}
		if address == "" {
			return apperr.TokenConsumed("pc has no resolvable connection address")
		}

		consumed, err := s.db.ConsumeStreamToken(ctx, tx, token, now)
		if err != nil {
			return err
		}
		if !consumed {
			// Lost the race to a concurrent resolver: exactly one
			// resolution of a token may succeed.
			return apperr.TokenConsumed("stream token already consumed")
		}

		out = &ResolveResult{
			ConnectAddress: address,
			ConnectHint:    DeriveStreamID(token),
			PCName:         pc.ID,
		}
		return nil
	})
	return out, err
}

// DeriveStreamID computes the deterministic relay room key for a token:
// the first 32 hex characters of its SHA-256 digest, formatted as a
// UUID-shaped 8-4-4-4-12 identifier. It does not leak the token, since
// SHA-256 is one-way.
func DeriveStreamID(token string) string {
	sum := sha256.Sum256([]byte(token))
	hexDigest := hex.EncodeToString(sum[:])[:32]
	return fmt.Sprintf("%s-%s-%s-%s-%s",
		hexDigest[0:8], hexDigest[8:12], hexDigest[12:16], hexDigest[16:20], hexDigest[20:32])
}

package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"plugin-license-server/internal/store"
)

type Reason string

const (
	ReasonValid               Reason = "valid"
	ReasonBadRequest          Reason = "bad_request"
	ReasonNotFound            Reason = "not_found"
	ReasonExpired             Reason = "expired"
	ReasonRevoked             Reason = "revoked"
	ReasonServerNotAuthorized Reason = "server_not_authorized"
)

type ValidateRequest struct {
	Key    string
	Plugin string
	// Server is the caller's "ip:port".
	Server string
}

// Verdict is the outcome of a validation. Rejections are verdicts, not
// errors; diagnostic fields are filled per reason.
type Verdict struct {
	Valid   bool
	Reason  Reason
	Message string

	// Set when Valid.
	License *PublicLicense

	// Set for expired and revoked.
	Status    store.Status
	ExpiresAt *time.Time
	IsExpired bool

	// Set for server_not_authorized.
	ProvidedServer string
	AllowedServers []store.Server
}

// errRejected aborts the store update so a failed validation writes nothing.
var errRejected = errors.New("validation rejected")

// Validate decides whether the caller may use the license and, on success,
// records the validation in the same atomic update.
func (s *Service) Validate(ctx context.Context, req ValidateRequest) (Verdict, error) {
	key := NormalizeKey(req.Key)
	plugin := strings.TrimSpace(req.Plugin)
	server := strings.TrimSpace(req.Server)
	if key == "" || plugin == "" || server == "" {
		return s.verdict(Verdict{Reason: ReasonBadRequest, Message: "License key, plugin name, and server name are required"}), nil
	}

	var v Verdict
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	lic, err := s.store.Update(sctx, key, func(lic *store.License) error {
		v = s.decide(*lic, plugin, server)
		if !v.Valid {
			return errRejected
		}
		now := s.clock.Now()
		lic.LastValidatedAt = &now
		lic.ValidationCount++
		return nil
	})
	switch {
	case err == nil:
		pub := Redact(lic)
		v.License = &pub
	case errors.Is(err, errRejected):
	case errors.Is(err, store.ErrNotFound):
		v = Verdict{Reason: ReasonNotFound, Message: "License not found"}
	default:
		s.log.Error("validation store failure", zap.String("key", key), zap.Error(err))
		return Verdict{}, fromStore(err)
	}

	s.log.Debug("license validated",
		zap.String("key", key),
		zap.String("plugin", plugin),
		zap.String("server", server),
		zap.String("reason", string(v.Reason)))
	return s.verdict(v), nil
}

func (s *Service) verdict(v Verdict) Verdict {
	s.metrics.Validations.WithLabelValues(string(v.Reason)).Inc()
	return v
}

// decide applies the checks in order: plugin, status and expiry, then the
// server allowlist.
func (s *Service) decide(lic store.License, plugin, server string) Verdict {
	if lic.PluginName != plugin {
		return Verdict{Reason: ReasonNotFound, Message: "License not found"}
	}

	now := s.clock.Now()
	if !IsCurrentlyValid(lic, now) {
		exp := lic.ExpiresAt
		v := Verdict{
			Status:    lic.Status,
			ExpiresAt: &exp,
			IsExpired: IsExpired(lic, now),
		}
		if lic.Status == store.StatusRevoked {
			v.Reason, v.Message = ReasonRevoked, "License is not active"
		} else {
			v.Reason, v.Message = ReasonExpired, "License has expired"
		}
		return v
	}

	ip, port, ok := ParseServerIdentity(server)
	if !ok {
		if s.opts.AllowUnparsedServer {
			return Verdict{Valid: true, Reason: ReasonValid, Message: "License is valid"}
		}
		return Verdict{Reason: ReasonBadRequest, Message: fmt.Sprintf("Server must be ip:port, got %q", server)}
	}
	if !hasServer(lic, ip, port) {
		allowed := lic.AllowedServers
		if allowed == nil {
			allowed = []store.Server{}
		}
		return Verdict{
			Reason:         ReasonServerNotAuthorized,
			Message:        "License is not valid for this server. Please add this server to your license.",
			ProvidedServer: server,
			AllowedServers: allowed,
		}
	}
	return Verdict{Valid: true, Reason: ReasonValid, Message: "License is valid"}
}

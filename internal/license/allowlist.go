package license

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"plugin-license-server/internal/store"
)

// AddServer binds ip:port to the license. A full allowlist is reported before
// a duplicate.
func (s *Service) AddServer(ctx context.Context, actor Actor, key, ip, port, name string) (store.License, error) {
	key = NormalizeKey(key)
	ip = strings.TrimSpace(ip)
	if key == "" || ip == "" || strings.TrimSpace(port) == "" {
		return store.License{}, badRequest("IP and port are required")
	}
	p, err := ParsePort(port)
	if err != nil {
		return store.License{}, badRequest(err.Error())
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf("%s:%d", ip, p)
	}

	lic, err := s.update(ctx, actor, key, func(lic *store.License) error {
		if len(lic.AllowedServers) >= lic.MaxServers {
			return capacityExceeded(lic.MaxServers)
		}
		if hasServer(*lic, ip, p) {
			return ErrDuplicateServer
		}
		lic.AllowedServers = append(lic.AllowedServers, store.Server{
			IP:      ip,
			Port:    p,
			Name:    name,
			AddedAt: s.clock.Now(),
		})
		return nil
	})
	s.metrics.mutation("add_server", err)
	if err != nil {
		return store.License{}, err
	}
	s.log.Info("server added",
		zap.String("key", key),
		zap.String("server", fmt.Sprintf("%s:%d", ip, p)),
		zap.Int("servers", len(lic.AllowedServers)),
		zap.Int("max_servers", lic.MaxServers))
	return lic, nil
}

// RemoveServer drops every binding for ip:port. Removing a server that is not
// on the allowlist succeeds without a change.
func (s *Service) RemoveServer(ctx context.Context, actor Actor, key, ip, port string) (store.License, error) {
	key = NormalizeKey(key)
	ip = strings.TrimSpace(ip)
	if key == "" || ip == "" || strings.TrimSpace(port) == "" {
		return store.License{}, badRequest("IP and port are required")
	}
	p, err := ParsePort(port)
	if err != nil {
		return store.License{}, badRequest(err.Error())
	}

	lic, err := s.update(ctx, actor, key, func(lic *store.License) error {
		kept := lic.AllowedServers[:0]
		for _, srv := range lic.AllowedServers {
			if srv.IP == ip && srv.Port == p {
				continue
			}
			kept = append(kept, srv)
		}
		lic.AllowedServers = kept
		return nil
	})
	s.metrics.mutation("remove_server", err)
	if err != nil {
		return store.License{}, err
	}
	s.log.Info("server removed", zap.String("key", key), zap.String("server", fmt.Sprintf("%s:%d", ip, p)))
	return lic, nil
}

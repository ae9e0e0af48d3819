package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Store is a key/value cache with per-entry TTL. Values are JSON documents.
type Store interface {
	// Get returns (nil, false, nil) for a missing, expired or unreadable entry.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// SweepExpired deletes every entry whose expiry has passed and reports how many.
	SweepExpired(ctx context.Context) (int, error)
}

// Clock is injected so tests control expiry.
type Clock func() time.Time

// GetJSON decodes a cached value into v. A value that no longer fits v's shape is
// dropped and reported as a miss.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		_ = s.Delete(ctx, key)
		return false, nil
	}
	return true, nil
}

func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	return s.Set(ctx, key, b, ttl)
}

// Fingerprint derives the cache key for an extraction request. Identical inputs always
// give the identical key.
func Fingerprint(rawURL, selectedText, instructions, model string) string {
	h := sha256.New()
	for _, part := range []string{
		NormalizeURL(rawURL),
		strings.TrimSpace(selectedText),
		strings.TrimSpace(instructions),
		strings.ToLower(strings.TrimSpace(model)),
	} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write([]byte(part))
	}
	return "fx:" + hex.EncodeToString(h.Sum(nil))
}

// NormalizeURL lower-cases scheme and host, drops the fragment and default ports.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

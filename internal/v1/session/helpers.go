package session

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/config"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/types"
)

var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

// originChecker builds the upgrade origin policy: browser requests must come
// from an allowed origin unless the server runs in development mode.
// Non-browser clients send no Origin header and are admitted.
func originChecker(cfg *config.Config) func(r *http.Request) bool {
	allowed := parseAllowedOrigins(cfg.AllowedOrigins)
	development := cfg.DevelopmentMode
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || development {
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// AllowedOrigins returns the configured origin allowlist, shared by the CORS
// layer and the upgrade origin check.
func AllowedOrigins(cfg *config.Config) []string {
	return parseAllowedOrigins(cfg.AllowedOrigins)
}

func parseAllowedOrigins(raw string) []string {
	if raw == "" {
		return defaultAllowedOrigins
	}
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return defaultAllowedOrigins
	}
	return origins
}

// boundNickname sanitizes the requested nickname. Long names are truncated
// to the byte cap without splitting a rune; anything that ends up empty
// (whitespace, or bytes that are not valid UTF-8 at all) gets a synthesized
// stable name derived from the client id.
func boundNickname(raw string, id types.ClientIdType) types.NicknameType {
	nick := strings.TrimSpace(raw)
	if len(nick) > types.MaxNicknameBytes {
		nick = nick[:types.MaxNicknameBytes]
		for len(nick) > 0 && !utf8.ValidString(nick) {
			nick = nick[:len(nick)-1]
		}
	}
	if nick == "" {
		h := fnv.New32a()
		h.Write([]byte(id))
		return types.NicknameType(fmt.Sprintf("User%04d", h.Sum32()%10000))
	}
	return types.NicknameType(nick)
}

package session

import (
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/config"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/types"
)

func TestBoundNicknamePassthrough(t *testing.T) {
	assert.Equal(t, types.NicknameType("Ada"), boundNickname("Ada", "c1"))
	assert.Equal(t, types.NicknameType("Ada"), boundNickname("  Ada  ", "c1"))
}

func TestBoundNicknameSynthesized(t *testing.T) {
	nick := boundNickname("", "client-abc")
	assert.Regexp(t, `^User\d{4}$`, string(nick))

	// Stable for the same id, so reconnect tooling can correlate logs.
	assert.Equal(t, nick, boundNickname("", "client-abc"))
	assert.Equal(t, nick, boundNickname("   ", "client-abc"))
}

func TestBoundNicknameTruncatesToByteCap(t *testing.T) {
	long := strings.Repeat("a", types.MaxNicknameBytes+20)
	nick := boundNickname(long, "c1")
	assert.Len(t, string(nick), types.MaxNicknameBytes)
}

func TestBoundNicknameDoesNotSplitRunes(t *testing.T) {
	// 63 ASCII bytes plus a 3-byte rune straddling the cap.
	raw := strings.Repeat("a", types.MaxNicknameBytes-1) + "語"
	nick := boundNickname(raw, "c1")
	assert.True(t, utf8.ValidString(string(nick)))
	assert.LessOrEqual(t, len(string(nick)), types.MaxNicknameBytes)
}

func TestBoundNicknameInvalidBytesFallBackToSynthesized(t *testing.T) {
	// Over the cap and not valid UTF-8 anywhere: rune-boundary trimming eats
	// the whole string, so the synthesized name steps in.
	raw := strings.Repeat("\xff", types.MaxNicknameBytes+10)
	nick := boundNickname(raw, "client-abc")
	assert.Regexp(t, `^User\d{4}$`, string(nick))
	assert.Equal(t, boundNickname("", "client-abc"), nick)
}

func TestParseAllowedOrigins(t *testing.T) {
	assert.Equal(t, defaultAllowedOrigins, parseAllowedOrigins(""))
	assert.Equal(t, defaultAllowedOrigins, parseAllowedOrigins(" , "))
	assert.Equal(t,
		[]string{"https://app.example.com", "https://staging.example.com"},
		parseAllowedOrigins("https://app.example.com, https://staging.example.com"))
}

func TestOriginChecker(t *testing.T) {
	cfg := &config.Config{AllowedOrigins: "https://app.example.com"}
	check := originChecker(cfg)

	mkReq := func(origin string) *http.Request {
		req, err := http.NewRequest(http.MethodGet, "/ws/workspace/r1", nil)
		require.NoError(t, err)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		return req
	}

	assert.True(t, check(mkReq("")), "non-browser clients have no Origin")
	assert.True(t, check(mkReq("https://app.example.com")))
	assert.True(t, check(mkReq("HTTPS://APP.EXAMPLE.COM")))
	assert.False(t, check(mkReq("https://evil.example.com")))

	dev := originChecker(&config.Config{DevelopmentMode: true})
	assert.True(t, dev(mkReq("https://evil.example.com")))
}

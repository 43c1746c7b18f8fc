package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSessionStoreUnavailable marks a Redis failure. The caller must answer
// with a retryable error, never fall back to allowing the request.
var ErrSessionStoreUnavailable = errors.New("session store unavailable")

// saveSessionScript registers a session atomically: sweep index entries
// whose detail key has expired, add the new token, set both TTLs, and if
// the index now exceeds the login cap, evict the oldest sessions. Returns
// the number of evicted sessions. Running this as one script is what keeps
// the cap intact under login storms.
var saveSessionScript = redis.NewScript(`
local indexKey       = KEYS[1]
local sessionKey     = KEYS[2]
local maxLoginNum    = tonumber(ARGV[1])
local score          = tonumber(ARGV[2])
local currentSession = ARGV[3]
local ttlSec         = tonumber(ARGV[4])
local delCmd         = ARGV[5] or "UNLINK"

if (not maxLoginNum or not score or not ttlSec) then
    return redis.error_reply("invalid ARGV")
end

local total = redis.call("ZRANGE", indexKey, "0", "-1")
local expiredMember = {}
local chunk = 1000

for i = 1, #total, 1 do
    local value = redis.call("GET", total[i])
    if (not value) then
        expiredMember[#expiredMember + 1] = total[i]
    end
end

for i = 1, #expiredMember, chunk do
    local last = math.min(#expiredMember, i + chunk - 1)
    redis.call("ZREM", indexKey, unpack(expiredMember, i, last))
end

redis.call("ZADD", indexKey, score, sessionKey)
redis.call("EXPIRE", indexKey, ttlSec)
redis.call("SET", sessionKey, currentSession, "EX", ttlSec)

local currentLoginNum = redis.call("ZCARD", indexKey)
local member = {}

if currentLoginNum > maxLoginNum then
    local over = currentLoginNum - maxLoginNum
    local poped = redis.call("ZPOPMIN", indexKey, over)

    if poped and #poped > 0 then
        for i = 1, #poped, 2 do
            member[#member + 1] = poped[i]
        end
        for i = 1, #member, chunk do
            local last = math.min(#member, i + chunk - 1)
            redis.call(delCmd, unpack(member, i, last))
        end
    end
end

return #member
`)

// removeSessionScript deletes the detail key and its index entry together.
var removeSessionScript = redis.NewScript(`
local sessionKey = KEYS[1]
local indexKey   = KEYS[2]

redis.call("DEL", sessionKey)
redis.call("ZREM", indexKey, sessionKey)

return 1
`)

// Session is the Redis-resident user view bound to one token.
type Session struct {
	UserID     string `json:"id"`
	UserName   string `json:"userName"`
	Token      string `json:"token"`
	CreateTime int64  `json:"createTime"`
}

// SessionStore keeps per-user sessions in Redis under a two-key layout:
// a sorted-set index agent:user:{uid} scored by creation millis, and one
// detail key agent:user:{uid}:session:{token} per session.
type SessionStore struct {
	rdb         redis.UniversalClient
	maxLoginNum int
}

// NewSessionStore creates a session store with the given login cap.
func NewSessionStore(rdb redis.UniversalClient, maxLoginNum int) *SessionStore {
	if maxLoginNum <= 0 {
		maxLoginNum = 3
	}
	return &SessionStore{rdb: rdb, maxLoginNum: maxLoginNum}
}

// Braces make the two keys hash to the same Redis Cluster slot, which the
// save script requires.
func sessionKey(userID, token string) string {
	return fmt.Sprintf("agent:user:{%s}:session:%s", userID, token)
}

func indexKey(userID string) string {
	return fmt.Sprintf("agent:user:{%s}", userID)
}

// Save registers a session and returns how many older sessions were
// evicted to honor the cap.
func (s *SessionStore) Save(ctx context.Context, sess Session, ttl time.Duration) (int, error) {
	payload, err := json.Marshal(sess)
	if err != nil {
		return 0, fmt.Errorf("failed to encode session: %w", err)
	}

	evicted, err := saveSessionScript.Run(ctx, s.rdb,
		[]string{indexKey(sess.UserID), sessionKey(sess.UserID, sess.Token)},
		s.maxLoginNum,
		time.Now().UnixMilli(),
		string(payload),
		int(ttl.Seconds()),
		"UNLINK",
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSessionStoreUnavailable, err)
	}
	return evicted, nil
}

// Load returns the session bound to (user, token), or ErrUnauthorized when
// absent.
func (s *SessionStore) Load(ctx context.Context, userID, token string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(userID, token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionStoreUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, ErrUnauthorized
	}
	return &sess, nil
}

// Remove invalidates one session.
func (s *SessionStore) Remove(ctx context.Context, userID, token string) error {
	err := removeSessionScript.Run(ctx, s.rdb,
		[]string{sessionKey(userID, token), indexKey(userID)},
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionStoreUnavailable, err)
	}
	return nil
}

// Tokens lists the user's active session tokens, oldest first.
func (s *SessionStore) Tokens(ctx context.Context, userID string) ([]string, error) {
	keys, err := s.rdb.ZRange(ctx, indexKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionStoreUnavailable, err)
	}
	tokens := make([]string, 0, len(keys))
	for _, key := range keys {
		if idx := strings.LastIndex(key, ":session:"); idx >= 0 {
			tokens = append(tokens, key[idx+len(":session:"):])
		}
	}
	return tokens, nil
}

// Authenticator is the session gate: token signature plus live session.
type Authenticator struct {
	tokens   *TokenManager
	sessions *SessionStore
}

// NewAuthenticator combines the token manager and session store.
func NewAuthenticator(tokens *TokenManager, sessions *SessionStore) *Authenticator {
	return &Authenticator{tokens: tokens, sessions: sessions}
}

// Authenticate validates a bearer token end to end: signature, expiry, and
// a live Redis session. A valid token whose session was evicted is
// ErrUnauthorized.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	claims, err := a.tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	return a.sessions.Load(ctx, claims.UserID, token)
}

// Login issues a token and registers the session atomically.
func (a *Authenticator) Login(ctx context.Context, userID, userName string) (string, time.Time, error) {
	token, expiresAt, err := a.tokens.Issue(userID, userName)
	if err != nil {
		return "", time.Time{}, err
	}
	sess := Session{
		UserID:     userID,
		UserName:   userName,
		Token:      token,
		CreateTime: time.Now().UnixMilli(),
	}
	if _, err := a.sessions.Save(ctx, sess, a.tokens.TTL()); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Logout invalidates the session bound to the token.
func (a *Authenticator) Logout(ctx context.Context, token string) error {
	claims, err := a.tokens.Parse(token)
	if err != nil {
		return err
	}
	return a.sessions.Remove(ctx, claims.UserID, token)
}

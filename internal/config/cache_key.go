package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionKey returns the cache key holding a session record
func (r *CacheKeyStruct) SessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// ActiveSessionsKey returns the set of sessions that are not yet terminal
func (r *CacheKeyStruct) ActiveSessionsKey() string {
	return "sessions:active"
}

// AttemptCounterKey returns the counter of attempts a user has reserved for a test
func (r *CacheKeyStruct) AttemptCounterKey(userID, testID string) string {
	return fmt.Sprintf("user:%s:test:%s:attempts", userID, testID)
}

// AttemptKey returns the uniqueness key of one (user, test, attempt) triple
func (r *CacheKeyStruct) AttemptKey(userID, testID string, attempt int) string {
	return fmt.Sprintf("user:%s:test:%s:attempt:%d", userID, testID, attempt)
}

// TestPayloadKey returns the cache key of a test definition
func (r *CacheKeyStruct) TestPayloadKey(testID string) string {
	return fmt.Sprintf("test:%s:payload", testID)
}

// UserEventsChannel returns the Redis PubSub channel carrying a user's session events
func (r *CacheKeyStruct) UserEventsChannel(userID string) string {
	return fmt.Sprintf("user:%s:events", userID)
}

// TestMonitorChannel returns the Redis PubSub channel for a test's live monitor
func (r *CacheKeyStruct) TestMonitorChannel(testID string) string {
	return fmt.Sprintf("test:%s:monitor", testID)
}

// RunRateLimitKey returns the counter for a user's run-tier executions in a window
func (r *CacheKeyStruct) RunRateLimitKey(userID string, window int64) string {
	return fmt.Sprintf("ratelimit:run:%s:%d", userID, window)
}

var CacheKey = NewCacheKeyStruct()

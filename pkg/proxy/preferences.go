package proxy

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lkarlslund/tutorrouter/pkg/cache"
	"github.com/lkarlslund/tutorrouter/pkg/chat"
	"github.com/lkarlslund/tutorrouter/pkg/store"
)

const preferencesCacheTTL = 30 * time.Second

type preferenceSource interface {
	GetPreferences(ctx context.Context, scope store.PreferenceScope, scopeID string) (chat.Preferences, bool, error)
}

// preferenceLoader caches stored lecture and user preferences. Concurrent
// misses for the same key share one store read.
type preferenceLoader struct {
	src   preferenceSource
	cache *cache.TTLMap[string, chat.Preferences]
	group singleflight.Group
}

func newPreferenceLoader(src preferenceSource, ttl time.Duration) *preferenceLoader {
	return &preferenceLoader{src: src, cache: cache.NewTTLMap[string, chat.Preferences](ttl)}
}

func preferenceKey(scope store.PreferenceScope, id string) string {
	return string(scope) + ":" + id
}

func (l *preferenceLoader) load(ctx context.Context, scope store.PreferenceScope, id string) (chat.Preferences, error) {
	if id == "" || l.src == nil {
		return chat.Preferences{}, nil
	}
	key := preferenceKey(scope, id)
	if p, ok := l.cache.Get(key); ok {
		return p, nil
	}
	v, err, _ := l.group.Do(key, func() (any, error) {
		return l.cache.GetOrLoad(key, func() (chat.Preferences, error) {
			p, _, err := l.src.GetPreferences(ctx, scope, id)
			return p, err
		})
	})
	if err != nil {
		return chat.Preferences{}, err
	}
	return v.(chat.Preferences), nil
}

// stored returns lecture preferences overlaid by the user's own. Usage
// limits are owned by the lecture and never taken from the user layer.
func (l *preferenceLoader) stored(ctx context.Context, userID, lectureID string) (chat.Preferences, error) {
	lecture, err := l.load(ctx, store.ScopeLecture, lectureID)
	if err != nil {
		return chat.Preferences{}, err
	}
	user, err := l.load(ctx, store.ScopeUser, userID)
	if err != nil {
		return chat.Preferences{}, err
	}
	return lecture.Overlay(withoutLimits(user)), nil
}

func (l *preferenceLoader) invalidate(scope store.PreferenceScope, id string) {
	l.cache.Delete(preferenceKey(scope, id))
}

func withoutLimits(p chat.Preferences) chat.Preferences {
	p.NumPrompts = nil
	p.TokenPredictionLimit = nil
	return p
}

package utils

import (
	"context"
	"strings"
	"sync"
	"time"
)

type CacheItem[T any] struct {
	version    int64
	Value      T
	Key        string
	cache      *Cache[T]
	expireChan <-chan time.Time
	expireLock sync.Mutex
}

func (c *CacheItem[T]) expire(duration time.Duration) {
	defer c.expireLock.Unlock()
	c.expireLock.Lock()

	curChan := time.After(duration)
	c.expireChan = curChan
	c.version = c.version + 1
	go func(version int64, curChan <-chan time.Time) {
		<-curChan
		if c.version != version {
			return
		}
		go c.cache.Delete(c.Key)
		if c.cache.expireHandler != nil {
			c.cache.expireHandler(c.Key, c.Value)
		}
	}(c.version, curChan)
}

// Cache 带TTL的键值缓存，key不区分大小写
type Cache[T any] struct {
	cacheMap      map[string]*CacheItem[T]
	mapLocker     sync.Mutex
	expireHandler func(key string, value any)
	Closer
}

func (s *Cache[T]) SetExpireHandler(expireHandler func(key string, value any)) {
	s.expireHandler = expireHandler
}

func (s *Cache[T]) getKey(key string) string {
	return strings.TrimSpace(strings.ToLower(key))
}

func (s *Cache[T]) Get(key string) T {
	defer s.mapLocker.Unlock()
	s.mapLocker.Lock()

	if v, ok := s.cacheMap[s.getKey(key)]; ok {
		return v.Value
	}
	var zero T
	return zero
}

func (s *Cache[T]) HasKey(key string) bool {
	defer s.mapLocker.Unlock()
	s.mapLocker.Lock()
	_, ok := s.cacheMap[s.getKey(key)]
	return ok
}

func (s *Cache[T]) Set(key string, value T) {
	defer s.mapLocker.Unlock()
	s.mapLocker.Lock()

	key = s.getKey(key)
	if v, ok := s.cacheMap[key]; ok {
		v.Value = value
		v.version = v.version + 1
	} else {
		s.cacheMap[key] = &CacheItem[T]{Key: key, Value: value, cache: s}
	}
}

func (s *Cache[T]) SetExpire(key string, duration time.Duration) bool {
	defer s.mapLocker.Unlock()
	s.mapLocker.Lock()

	if v, ok := s.cacheMap[s.getKey(key)]; ok {
		v.expire(duration)
		return true
	}
	return false
}

func (s *Cache[T]) SetValue(key string, value T, duration time.Duration) {
	defer s.mapLocker.Unlock()
	s.mapLocker.Lock()

	key = s.getKey(key)
	if v, ok := s.cacheMap[key]; ok {
		v.Value = value
		v.expire(duration)
	} else {
		item := &CacheItem[T]{Key: key, Value: value, cache: s}
		s.cacheMap[key] = item
		item.expire(duration)
	}
}

func (s *Cache[T]) Delete(key string) {
	defer s.mapLocker.Unlock()
	s.mapLocker.Lock()
	delete(s.cacheMap, s.getKey(key))
}

func (s *Cache[T]) Range(f func(key string, value T) bool) {
	s.mapLocker.Lock()
	snapshot := make(map[string]T, len(s.cacheMap))
	for k, v := range s.cacheMap {
		snapshot[k] = v.Value
	}
	s.mapLocker.Unlock()

	for k, v := range snapshot {
		if !f(k, v) {
			break
		}
	}
}

func NewCache[T any](ctx context.Context) *Cache[T] {
	cache := &Cache[T]{cacheMap: make(map[string]*CacheItem[T])}
	cache.SetCtx(ctx)
	return cache
}

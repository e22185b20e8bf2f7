package nostr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"unlock-server/internal/cache"
	"unlock-server/internal/types"
)

// ContentSource loads resources, lessons and courses from relays. Published
// events are public, so raw events (never plaintext) may be cached.
type ContentSource struct {
	fetcher *Fetcher
	cache   cache.CacheBackend
	ttl     time.Duration
}

// NewContentSource creates a source; backend may be nil to disable caching.
func NewContentSource(fetcher *Fetcher, backend cache.CacheBackend, ttl time.Duration) *ContentSource {
	return &ContentSource{fetcher: fetcher, cache: backend, ttl: ttl}
}

// Item loads a resource or lesson by d-tag.
func (s *ContentSource) Item(ctx context.Context, id string) (*types.ContentItem, error) {
	evt, err := s.load(ctx, "item:"+id, []int{types.KindLongForm, types.KindPaid}, id)
	if err != nil {
		return nil, err
	}
	return types.ContentItemFromEvent(evt)
}

// Course loads a course by d-tag.
func (s *ContentSource) Course(ctx context.Context, id string) (*types.Course, error) {
	evt, err := s.load(ctx, "course:"+id, []int{types.KindCourse}, id)
	if err != nil {
		return nil, err
	}
	return types.CourseFromEvent(evt)
}

// Lessons loads every lesson of a course in course order. Missing lessons are skipped.
func (s *ContentSource) Lessons(ctx context.Context, course *types.Course) []*types.ContentItem {
	lessons := make([]*types.ContentItem, 0, len(course.LessonIDs))
	for _, id := range course.LessonIDs {
		item, err := s.Item(ctx, id)
		if err != nil {
			slog.Debug("lesson not loaded", "course", course.ID, "lesson", id, "error", err)
			continue
		}
		item.CourseID = course.ID
		lessons = append(lessons, item)
	}
	return lessons
}

func (s *ContentSource) load(ctx context.Context, key string, kinds []int, d string) (*types.Event, error) {
	if s.cache != nil {
		if evt, ok, _ := cache.GetJSON[types.Event](ctx, s.cache, key); ok {
			return &evt, nil
		}
	}

	evt, err := s.fetcher.FetchAddressable(ctx, kinds, d)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", d, err)
	}

	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, key, evt, s.ttl); err != nil {
			slog.Debug("content cache write failed", "key", key, "error", err)
		}
	}
	return evt, nil
}

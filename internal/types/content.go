package types

import (
	"errors"
	"strconv"
	"strings"
)

// Content kinds used by the platform.
const (
	KindLongForm  = 30023 // free long-form resource
	KindPaid      = 30402 // paid resource; Content is ciphertext
	KindPaidDraft = 30403
	KindCourse    = 30004 // curated list of lessons
)

var ErrWrongKind = errors.New("unexpected event kind")

// ContentItem is a resource or lesson as published on Nostr.
type ContentItem struct {
	ID       string `json:"id"` // d-tag
	Kind     int    `json:"kind"`
	Price    int64  `json:"price"` // sats, 0 = free
	PubKey   string `json:"pubkey"`
	Content  string `json:"content"`
	CourseID string `json:"courseId,omitempty"`
	Title    string `json:"title,omitempty"`
	Summary  string `json:"summary,omitempty"`
	Image    string `json:"image,omitempty"`
}

// Encrypted reports whether Content holds ciphertext rather than markdown.
func (c *ContentItem) Encrypted() bool {
	return c.Kind == KindPaid || c.Kind == KindPaidDraft
}

// Course groups lessons; a positive course price gates every lesson.
type Course struct {
	ID        string   `json:"id"`
	PubKey    string   `json:"pubkey"`
	Price     int64    `json:"price"`
	LessonIDs []string `json:"lessonIds"`
	Title     string   `json:"title,omitempty"`
}

// ParsePrice reads a price tag value. Missing or malformed prices are free.
func ParsePrice(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ContentItemFromEvent builds a ContentItem from a kind 30023/30402/30403 event.
func ContentItemFromEvent(evt *Event) (*ContentItem, error) {
	switch evt.Kind {
	case KindLongForm, KindPaid, KindPaidDraft:
	default:
		return nil, ErrWrongKind
	}
	return &ContentItem{
		ID:      evt.TagValue("d"),
		Kind:    evt.Kind,
		Price:   ParsePrice(evt.TagValue("price")),
		PubKey:  evt.PubKey,
		Content: evt.Content,
		Title:   evt.TagValue("title"),
		Summary: evt.TagValue("summary"),
		Image:   evt.TagValue("image"),
	}, nil
}

// CourseFromEvent builds a Course from a kind 30004 list. Lessons are taken from
// "a" tags (kind:pubkey:d) in tag order.
func CourseFromEvent(evt *Event) (*Course, error) {
	if evt.Kind != KindCourse {
		return nil, ErrWrongKind
	}
	c := &Course{
		ID:     evt.TagValue("d"),
		PubKey: evt.PubKey,
		Price:  ParsePrice(evt.TagValue("price")),
		Title:  evt.TagValue("name"),
	}
	if c.Title == "" {
		c.Title = evt.TagValue("title")
	}
	for _, ref := range evt.TagValues("a") {
		parts := strings.SplitN(ref, ":", 3)
		if len(parts) == 3 && parts[2] != "" {
			c.LessonIDs = append(c.LessonIDs, parts[2])
		}
	}
	return c, nil
}

// HasLesson reports whether lessonID belongs to the course.
func (c *Course) HasLesson(lessonID string) bool {
	for _, id := range c.LessonIDs {
		if id == lessonID {
			return true
		}
	}
	return false
}

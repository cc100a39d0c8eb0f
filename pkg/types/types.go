package types

import (
	"image"
	"sync"
	"time"
)

// GlobalRegion is the region id of the whole-image tile
const GlobalRegion = "global"

// RegionTag associates a region id with the tags inferred for it
type RegionTag struct {
	Region string   `json:"region" msgpack:"region"`
	Tags   []string `json:"tags" msgpack:"tags"`
}

// RegionMap is an ordered list of region tags, one entry per region id
type RegionMap []RegionTag

// FlatTags returns every tag of every region in map order, duplicates included
func (m RegionMap) FlatTags() []string {
	var out []string
	for _, rt := range m {
		out = append(out, rt.Tags...)
	}
	return out
}

// Clone returns a deep copy of the map; nil stays nil
func (m RegionMap) Clone() RegionMap {
	if m == nil {
		return nil
	}
	out := make(RegionMap, len(m))
	for i, rt := range m {
		out[i] = RegionTag{Region: rt.Region, Tags: append([]string(nil), rt.Tags...)}
	}
	return out
}

// Lookup returns the tags of a region and whether it exists
func (m RegionMap) Lookup(region string) ([]string, bool) {
	for _, rt := range m {
		if rt.Region == region {
			return rt.Tags, true
		}
	}
	return nil, false
}

// Annotation is the result of one semantic extraction, handed to the publisher as a unit
type Annotation struct {
	PostID         string    `json:"id" msgpack:"id"`
	RegionTags     RegionMap `json:"regionTags" msgpack:"region_tags"`
	Caption        string    `json:"caption" msgpack:"caption"`
	SemanticPrompt string    `json:"semanticPrompt" msgpack:"semantic_prompt"`
	Degraded       bool      `json:"-" msgpack:"degraded"`
}

// PostStatus is the processing state of a post
type PostStatus string

const (
	StatusNormal     PostStatus = "normal"
	StatusPending    PostStatus = "pending"
	StatusProcessing PostStatus = "processing"
	StatusCompleted  PostStatus = "completed"
	StatusFailed     PostStatus = "failed"
)

// Post is the record being annotated. Readers observe either none or all of an
// annotation's fields: the semantic fields are only written through Annotate.
type Post struct {
	ID        string
	UserText  string
	CreatedAt time.Time
	Image     image.Image

	mu         sync.RWMutex
	status     PostStatus
	annotation Annotation
	hasResult  bool
}

// NewPost creates a pending post carrying a local image
func NewPost(id, userText string, img image.Image) *Post {
	return &Post{
		ID:        id,
		UserText:  userText,
		CreatedAt: time.Now().UTC(),
		Image:     img,
		status:    StatusPending,
	}
}

// SetStatus updates the processing state
func (p *Post) SetStatus(s PostStatus) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// Status returns the processing state
func (p *Post) Status() PostStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Annotate applies region tags, caption, prompt and the completed status in one step
func (p *Post) Annotate(a Annotation) {
	a.PostID = p.ID
	a.RegionTags = a.RegionTags.Clone()
	p.mu.Lock()
	p.annotation = a
	p.hasResult = true
	p.status = StatusCompleted
	p.mu.Unlock()
}

// Annotation returns a copy of the current annotation and whether one was applied
func (p *Post) Annotation() (Annotation, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.annotationLocked(), p.hasResult
}

func (p *Post) annotationLocked() Annotation {
	a := p.annotation
	a.RegionTags = a.RegionTags.Clone()
	return a
}

// StoredPost is the persisted form of a post
type StoredPost struct {
	ID         string     `json:"id" msgpack:"id"`
	UserText   string     `json:"userText,omitempty" msgpack:"user_text"`
	HasImage   bool       `json:"hasImage" msgpack:"has_image"`
	Status     PostStatus `json:"status" msgpack:"status"`
	CreatedAt  time.Time  `json:"createdAt" msgpack:"created_at"`
	Annotation Annotation `json:"annotation" msgpack:"annotation"`
}

// Snapshot returns the persisted form of the post
func (p *Post) Snapshot() StoredPost {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return StoredPost{
		ID:         p.ID,
		UserText:   p.UserText,
		HasImage:   p.Image != nil,
		Status:     p.status,
		CreatedAt:  p.CreatedAt,
		Annotation: p.annotationLocked(),
	}
}

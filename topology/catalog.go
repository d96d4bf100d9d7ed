/*
Package topology provides course topology providers for the progress engine.

PURPOSE:
  The engine asks a progress.TopologyProvider for the ordered module → lesson
  structure of a course on every learner event. This package supplies:

    Catalog      static provider loaded from a JSON file
    Cached       wraps any provider with an expiring cache
    MemoryCache  in-process TTL cache
    RedisCache   shared cache over go-redis

JSON SCHEMA:
  {
    "courses": [
      {
        "id": "go-101",
        "name": "Go Fundamentals",
        "modules": [
          {"id": "m1", "title": "Basics", "lessons": [{"id": "l1"}, {"id": "l2"}]}
        ]
      }
    ]
  }

  A bare array of courses is accepted too.

VALIDATION:
  Course, module and lesson ids must be non-empty and unique in their scope.
  Module ids must not contain "_" because lesson keys are "module_lesson".

SEE ALSO:
  - progress/store.go: TopologyProvider interface
  - cache.go:          caching decorator
*/
package topology

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/warp/progress-engine/progress"
)

// ErrCourseNotFound is returned for a course id the catalog does not hold.
var ErrCourseNotFound = errors.New("course not found")

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type catalogJSON struct {
	Courses []courseJSON `json:"courses"`
}

type courseJSON struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Modules []moduleJSON `json:"modules"`
}

type moduleJSON struct {
	ID      string       `json:"id"`
	Title   string       `json:"title,omitempty"`
	Lessons []lessonJSON `json:"lessons"`
}

type lessonJSON struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is an in-memory set of course topologies.
type Catalog struct {
	mu      sync.RWMutex
	courses map[progress.CourseID]*progress.Topology
}

var _ progress.TopologyProvider = (*Catalog)(nil)

func NewCatalog(topos ...*progress.Topology) *Catalog {
	c := &Catalog{courses: make(map[progress.CourseID]*progress.Topology)}
	for _, t := range topos {
		c.courses[t.CourseID] = t
	}
	return c
}

// LoadFile reads a catalog from a JSON file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses and validates a JSON catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc catalogJSON
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &doc.Courses); err != nil {
			return nil, fmt.Errorf("failed to parse topology JSON: %w", err)
		}
	} else if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse topology JSON: %w", err)
	}

	c := NewCatalog()
	for i, cj := range doc.Courses {
		topo, err := cj.toTopology()
		if err != nil {
			return nil, fmt.Errorf("course %d: %w", i, err)
		}
		if _, dup := c.courses[topo.CourseID]; dup {
			return nil, fmt.Errorf("duplicate course id %q", topo.CourseID)
		}
		c.courses[topo.CourseID] = topo
	}
	return c, nil
}

func (cj courseJSON) toTopology() (*progress.Topology, error) {
	id := strings.TrimSpace(cj.ID)
	if id == "" {
		return nil, errors.New("course id is required")
	}
	topo := &progress.Topology{CourseID: progress.CourseID(id), CourseName: cj.Name}

	seenModules := make(map[string]bool, len(cj.Modules))
	for _, mj := range cj.Modules {
		mid := strings.TrimSpace(mj.ID)
		switch {
		case mid == "":
			return nil, fmt.Errorf("course %s: module id is required", id)
		case strings.Contains(mid, "_"):
			return nil, fmt.Errorf("course %s: module id %q must not contain '_'", id, mid)
		case seenModules[mid]:
			return nil, fmt.Errorf("course %s: duplicate module id %q", id, mid)
		}
		seenModules[mid] = true

		mod := progress.Module{ID: progress.ModuleID(mid), Title: mj.Title}
		seenLessons := make(map[string]bool, len(mj.Lessons))
		for _, lj := range mj.Lessons {
			lid := strings.TrimSpace(lj.ID)
			if lid == "" {
				return nil, fmt.Errorf("course %s module %s: lesson id is required", id, mid)
			}
			if seenLessons[lid] {
				return nil, fmt.Errorf("course %s module %s: duplicate lesson id %q", id, mid, lid)
			}
			seenLessons[lid] = true
			mod.Lessons = append(mod.Lessons, progress.Lesson{ID: progress.LessonID(lid), Title: lj.Title})
		}
		topo.Modules = append(topo.Modules, mod)
	}
	return topo, nil
}

// Topology implements progress.TopologyProvider.
func (c *Catalog) Topology(_ context.Context, courseID progress.CourseID) (*progress.Topology, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	topo, ok := c.courses[courseID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCourseNotFound, courseID)
	}
	return topo, nil
}

// Put adds or replaces a course.
func (c *Catalog) Put(topo *progress.Topology) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.courses[topo.CourseID] = topo
}

// CourseIDs lists the catalog's courses in ascending order.
func (c *Catalog) CourseIDs() []progress.CourseID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]progress.CourseID, 0, len(c.courses))
	for id := range c.courses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// internal/feed/source.go
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// SourceFunc adapts a function into a Source.
type SourceFunc struct {
	SourceName string
	Fn         func(ctx context.Context) ([]json.RawMessage, error)
}

func (s SourceFunc) Name() string { return s.SourceName }

func (s SourceFunc) Fetch(ctx context.Context) ([]json.RawMessage, error) {
	return s.Fn(ctx)
}

// StaticSource serves a fixed, replaceable set of records.
type StaticSource struct {
	name    string
	mu      sync.RWMutex
	records []json.RawMessage
}

func NewStaticSource(name string, records ...any) (*StaticSource, error) {
	s := &StaticSource{name: name}
	if err := s.Set(records...); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *StaticSource) Name() string { return s.name }

// Set replaces the served records. Values that are not already raw JSON are
// marshalled.
func (s *StaticSource) Set(records ...any) error {
	raws := make([]json.RawMessage, 0, len(records))
	for i, r := range records {
		switch v := r.(type) {
		case json.RawMessage:
			raws = append(raws, v)
		case string:
			raws = append(raws, json.RawMessage(v))
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			raws = append(raws, b)
		}
	}
	s.mu.Lock()
	s.records = raws
	s.mu.Unlock()
	return nil
}

func (s *StaticSource) Fetch(ctx context.Context) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]json.RawMessage(nil), s.records...), nil
}

// Package store keeps calibration results keyed by camera or camera pair.
package store

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/rigcalib/rimage/calibrate"
)

// ErrKeyExists is returned when a result is stored twice under the same key.
var ErrKeyExists = errors.New("result already stored")

// Store holds one result per camera and one per camera pair. Every key is written once.
type Store interface {
	PutIntrinsics(res *calibrate.IntrinsicsResult) error
	PutExtrinsics(res *calibrate.ExtrinsicsResult) error
	Intrinsics(camera string) (*calibrate.IntrinsicsResult, bool)
	Extrinsics(pair string) (*calibrate.ExtrinsicsResult, bool)
	// Keys lists every stored key, sorted.
	Keys() []string
}

// IntrinsicsKey is the key of the intrinsics of camera.
func IntrinsicsKey(camera string) string {
	return "intrinsics/" + camera
}

// ExtrinsicsKey is the key of the extrinsics of a pair.
func ExtrinsicsKey(pair string) string {
	return "extrinsics/" + pair
}

// MemoryStore is a Store that keeps results in memory. It is safe for concurrent use.
type MemoryStore struct {
	mu         sync.RWMutex
	intrinsics map[string]*calibrate.IntrinsicsResult
	extrinsics map[string]*calibrate.ExtrinsicsResult
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intrinsics: map[string]*calibrate.IntrinsicsResult{},
		extrinsics: map[string]*calibrate.ExtrinsicsResult{},
	}
}

// PutIntrinsics stores res under its camera.
func (s *MemoryStore) PutIntrinsics(res *calibrate.IntrinsicsResult) error {
	if res == nil || res.Camera == "" {
		return errors.New("intrinsics result has no camera")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intrinsics[res.Camera]; ok {
		return errors.Wrap(ErrKeyExists, IntrinsicsKey(res.Camera))
	}
	s.intrinsics[res.Camera] = res
	return nil
}

// PutExtrinsics stores res under its pair.
func (s *MemoryStore) PutExtrinsics(res *calibrate.ExtrinsicsResult) error {
	if res == nil || res.Pair == "" {
		return errors.New("extrinsics result has no pair")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.extrinsics[res.Pair]; ok {
		return errors.Wrap(ErrKeyExists, ExtrinsicsKey(res.Pair))
	}
	s.extrinsics[res.Pair] = res
	return nil
}

// Intrinsics returns the result stored for camera.
func (s *MemoryStore) Intrinsics(camera string) (*calibrate.IntrinsicsResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.intrinsics[camera]
	return res, ok
}

// Extrinsics returns the result stored for pair.
func (s *MemoryStore) Extrinsics(pair string) (*calibrate.ExtrinsicsResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.extrinsics[pair]
	return res, ok
}

// Keys lists every stored key, sorted.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := append(
		lo.Map(lo.Keys(s.intrinsics), func(c string, _ int) string { return IntrinsicsKey(c) }),
		lo.Map(lo.Keys(s.extrinsics), func(p string, _ int) string { return ExtrinsicsKey(p) })...,
	)
	sort.Strings(keys)
	return keys
}

// Cameras lists the cameras with stored intrinsics, sorted.
func (s *MemoryStore) Cameras() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cams := lo.Keys(s.intrinsics)
	sort.Strings(cams)
	return cams
}

// Pairs lists the pairs with stored extrinsics, sorted.
func (s *MemoryStore) Pairs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pairs := lo.Keys(s.extrinsics)
	sort.Strings(pairs)
	return pairs
}

package store

import (
	"testing"

	"github.com/mnemon/mnemon/pkg/backend"
	"github.com/mnemon/mnemon/pkg/store/storetest"
)

func TestMemoryStore_Conformance(t *testing.T) {
	suite := &storetest.Suite{
		NewStore: func(t *testing.T) backend.MetadataStore {
			return NewMemoryStore()
		},
	}
	suite.RunAllTests(t)
}

func TestMemoryStore_Name(t *testing.T) {
	s := NewMemoryStore()
	if s.Name() != "memory" {
		t.Errorf("unexpected name %q", s.Name())
	}
	if err := s.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
}

package risk

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*StoredAssessment // userID → assessments, oldest first
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*StoredAssessment),
	}
}

func (s *MemoryStore) Record(ctx context.Context, a *StoredAssessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assessments[a.UserID] = append(s.assessments[a.UserID], cloneStored(a))
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*StoredAssessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[userID]
	if len(all) == 0 {
		return nil, nil
	}

	// Most recent first, up to limit
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}

	result := make([]*StoredAssessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, cloneStored(all[i]))
	}
	return result, nil
}

func cloneStored(a *StoredAssessment) *StoredAssessment {
	c := *a
	c.Assessment.Indicators = append([]string(nil), a.Assessment.Indicators...)
	c.Assessment.Recommendations = append([]string(nil), a.Assessment.Recommendations...)
	if a.Compliance != nil {
		v := *a.Compliance
		v.Flags = append([]ComplianceFlag(nil), a.Compliance.Flags...)
		c.Compliance = &v
	}
	return &c
}

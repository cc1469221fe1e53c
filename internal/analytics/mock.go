package analytics

import (
	"context"
	"sync"

	"github.com/trafficlab/clickgate/internal/models"
)

// MockService records events in memory for tests.
type MockService struct {
	mu          sync.Mutex
	ClickEvents []models.CampaignClick
	AppEvents   []string
}

func (m *MockService) RecordClickEvent(ctx context.Context, click *models.CampaignClick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClickEvents = append(m.ClickEvents, *click)
	return nil
}

func (m *MockService) RecordAppEvent(ctx context.Context, click *models.CampaignClick, event string, charge float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppEvents = append(m.AppEvents, event)
	return nil
}

// ClickEventCount returns the number of recorded click events.
func (m *MockService) ClickEventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ClickEvents)
}

// AppEventNames returns the recorded app event kinds in order.
func (m *MockService) AppEventNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.AppEvents...)
}

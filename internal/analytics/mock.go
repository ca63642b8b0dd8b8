package analytics

import (
	"context"
	"sync"
)

var _ Auditor = (*MockAuditor)(nil)

// MockAuditor keeps audit rows in memory for tests.
type MockAuditor struct {
	mu        sync.Mutex
	Postbacks []PostbackRecord
	SKAN      []SKANRecord
	Err       error // returned from every write when set
}

// NewMockAuditor creates an empty MockAuditor.
func NewMockAuditor() *MockAuditor {
	return &MockAuditor{}
}

func (m *MockAuditor) RecordPostback(ctx context.Context, rec PostbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Postbacks = append(m.Postbacks, rec)
	return nil
}

func (m *MockAuditor) RecordSKANUpdate(ctx context.Context, rec SKANRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SKAN = append(m.SKAN, rec)
	return nil
}

func (m *MockAuditor) PostbacksByCampaign(ctx context.Context, campaignID string) ([]PostbackRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PostbackRecord
	for _, rec := range m.Postbacks {
		if rec.CampaignID == campaignID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// SKANUpdates returns a copy of the recorded SKAdNetwork rows.
func (m *MockAuditor) SKANUpdates() []SKANRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SKANRecord(nil), m.SKAN...)
}

// PostbackRows returns a copy of the recorded postback rows.
func (m *MockAuditor) PostbackRows() []PostbackRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PostbackRecord(nil), m.Postbacks...)
}

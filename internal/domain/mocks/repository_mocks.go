package mocks

import (
	"context"
	"sync"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

// MockRowRepository is a mock implementation of domain.RowRepository for testing.
type MockRowRepository struct {
	mu              sync.Mutex
	BufferedRows    []domain.ExtractedRow
	WrittenRows     []domain.ExtractedRow
	AckedMessageIDs []string
	DLQRows         []domain.ExtractedRow
	ReadBatchResult []domain.ExtractedRow
	WriteCalls      int
	BufferErr       error
	ReadErr         error
	WriteErr        error
	AckErr          error
	DLQErr          error
}

func (m *MockRowRepository) BufferRow(ctx context.Context, row domain.ExtractedRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BufferErr != nil {
		return m.BufferErr
	}
	m.BufferedRows = append(m.BufferedRows, row)
	return nil
}

func (m *MockRowRepository) ReadRowBatch(ctx context.Context, group, consumer string, count int) ([]domain.ExtractedRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	return m.ReadBatchResult, nil
}

func (m *MockRowRepository) WriteRowBatch(ctx context.Context, rows []domain.ExtractedRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteCalls++
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.WrittenRows = append(m.WrittenRows, rows...)
	return nil
}

func (m *MockRowRepository) AcknowledgeRows(ctx context.Context, group string, messageIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AckErr != nil {
		return m.AckErr
	}
	m.AckedMessageIDs = append(m.AckedMessageIDs, messageIDs...)
	return nil
}

func (m *MockRowRepository) MoveToDLQ(ctx context.Context, rows []domain.ExtractedRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DLQErr != nil {
		return m.DLQErr
	}
	m.DLQRows = append(m.DLQRows, rows...)
	return nil
}

// MockCheckpointRepository keeps the last saved checkpoint in memory.
type MockCheckpointRepository struct {
	mu      sync.Mutex
	Current *domain.Checkpoint
	Saves   int
	LoadErr error
	SaveErr error
}

func (m *MockCheckpointRepository) Load(ctx context.Context) (*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if m.Current == nil {
		return nil, nil
	}
	cp := *m.Current
	return &cp, nil
}

func (m *MockCheckpointRepository) Save(ctx context.Context, cp domain.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.Current = &cp
	m.Saves++
	return nil
}

// Last returns a copy of the most recent checkpoint, or nil.
func (m *MockCheckpointRepository) Last() *domain.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Current == nil {
		return nil
	}
	cp := *m.Current
	return &cp
}

// MockRowSink records every row it receives.
type MockRowSink struct {
	mu       sync.Mutex
	Rows     []domain.ExtractedRow
	Flushes  int
	WriteErr error
	// FailAfter makes WriteRow fail with WriteErr once this many rows were accepted. Zero fails immediately.
	FailAfter int
}

func (m *MockRowSink) WriteRow(ctx context.Context, row domain.ExtractedRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil && len(m.Rows) >= m.FailAfter {
		return m.WriteErr
	}
	m.Rows = append(m.Rows, row)
	return nil
}

func (m *MockRowSink) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Flushes++
	return nil
}

// Snapshot returns a copy of the rows received so far.
func (m *MockRowSink) Snapshot() []domain.ExtractedRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ExtractedRow(nil), m.Rows...)
}

// Values returns the value of field name for every received row.
func (m *MockRowSink) Values(name string) []string {
	var out []string
	for _, r := range m.Snapshot() {
		v, _ := r.Get(name)
		out = append(out, v)
	}
	return out
}

// MockWALRepository keeps spooled rows in memory.
type MockWALRepository struct {
	mu        sync.Mutex
	Rows      []domain.ExtractedRow
	WriteErr  error
	Truncated int
}

func (m *MockWALRepository) Write(ctx context.Context, row domain.ExtractedRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.Rows = append(m.Rows, row)
	return nil
}

func (m *MockWALRepository) Replay(ctx context.Context, handler func(domain.ExtractedRow) error) error {
	for _, r := range m.Written() {
		if err := handler(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockWALRepository) Truncate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rows = nil
	m.Truncated++
	return nil
}

// Written returns a copy of the spooled rows.
func (m *MockWALRepository) Written() []domain.ExtractedRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ExtractedRow(nil), m.Rows...)
}

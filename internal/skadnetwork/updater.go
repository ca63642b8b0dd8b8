package skadnetwork

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/patrickwarner/openaem/internal/analytics"
)

// Updater pushes fine and coarse values to the OS conversion value API
// (SKAdNetwork 4, iOS 16.1+).
type Updater interface {
	UpdatePostbackConversionValue(ctx context.Context, fine int, coarse CoarseValue, lockWindow bool) error
}

// FineUpdater is the fine-value-only API of older OS versions.
type FineUpdater interface {
	UpdateConversionValue(ctx context.Context, fine int) error
}

// SupportsCoarse reports whether the device can take coarse values. An
// unknown device is assumed current.
func SupportsCoarse(d analytics.Device) bool {
	switch strings.ToLower(d.OS) {
	case "":
		return true
	case "ios", "ipados":
		major, minor := parseVersion(d.OSVersion)
		return major > 16 || (major == 16 && minor >= 1)
	default:
		return false
	}
}

func parseVersion(v string) (major, minor int) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) > 0 {
		major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return major, minor
}

// LogUpdater accepts every update and logs it. The service uses it when no
// device bridge is attached; the reporter state then is the device value.
type LogUpdater struct {
	Logger *zap.Logger
}

func (u LogUpdater) logger() *zap.Logger {
	if u.Logger == nil {
		return zap.NewNop()
	}
	return u.Logger
}

func (u LogUpdater) UpdatePostbackConversionValue(_ context.Context, fine int, coarse CoarseValue, lockWindow bool) error {
	u.logger().Info("skadnetwork postback conversion value",
		zap.Int("fine", fine), zap.String("coarse", string(coarse)), zap.Bool("lock_window", lockWindow))
	return nil
}

func (u LogUpdater) UpdateConversionValue(_ context.Context, fine int) error {
	u.logger().Info("skadnetwork conversion value", zap.Int("fine", fine))
	return nil
}

// UpdateCall records one call seen by MockUpdater.
type UpdateCall struct {
	Fine       int
	Coarse     CoarseValue
	LockWindow bool
	FineOnly   bool
}

// MockUpdater records calls and fails them while Err is set.
type MockUpdater struct {
	mu    sync.Mutex
	calls []UpdateCall
	Err   error
}

func (m *MockUpdater) UpdatePostbackConversionValue(_ context.Context, fine int, coarse CoarseValue, lockWindow bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, UpdateCall{Fine: fine, Coarse: coarse, LockWindow: lockWindow})
	return m.Err
}

func (m *MockUpdater) UpdateConversionValue(_ context.Context, fine int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, UpdateCall{Fine: fine, FineOnly: true})
	return m.Err
}

// Calls returns a copy of the recorded calls.
func (m *MockUpdater) Calls() []UpdateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UpdateCall(nil), m.calls...)
}

// SetErr changes the error returned by later calls.
func (m *MockUpdater) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

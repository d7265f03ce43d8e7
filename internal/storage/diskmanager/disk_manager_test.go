package diskmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	simerrors "github.com/heikotroetsch/simedge/internal/errors"
)

func newTestManager(t *testing.T, total, available uint64) *DiskManager {
	t.Helper()
	dm, err := NewDiskManager(&DiskManagerConfig{Dir: t.TempDir(), CheckInterval: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	dm.statfs = func(string) (uint64, uint64, error) { return total, available, nil }
	require.NoError(t, dm.ForceCheck())
	return dm
}

func TestCheckBeforeWrite(t *testing.T) {
	t.Run("plenty of space", func(t *testing.T) {
		dm := newTestManager(t, 1000, 500)
		assert.NoError(t, dm.CheckBeforeWrite(100))
	})

	t.Run("write larger than free space", func(t *testing.T) {
		dm := newTestManager(t, 1000, 500)
		err := dm.CheckBeforeWrite(600)
		require.Error(t, err)
		assert.Equal(t, simerrors.ErrCodeDiskFull, simerrors.GetCode(err))
	})

	t.Run("circuit breaker engaged", func(t *testing.T) {
		dm := newTestManager(t, 1000, 20)
		err := dm.CheckBeforeWrite(1)
		require.Error(t, err)
		assert.True(t, dm.GetDiskUsage().IsCircuitBroken)
	})
}

func TestCircuitBreakerRecovers(t *testing.T) {
	dm := newTestManager(t, 1000, 10)
	assert.True(t, dm.GetDiskUsage().IsCircuitBroken)

	dm.statfs = func(string) (uint64, uint64, error) { return 1000, 900, nil }
	require.NoError(t, dm.ForceCheck())

	stats := dm.GetDiskUsage()
	assert.False(t, stats.IsCircuitBroken)
	assert.InDelta(t, 10.0, stats.UsagePercent, 1e-9)
	assert.NoError(t, dm.CheckBeforeWrite(100))
}

func TestNewDiskManagerRequiresDir(t *testing.T) {
	_, err := NewDiskManager(&DiskManagerConfig{}, zap.NewNop())
	assert.Error(t, err)
}

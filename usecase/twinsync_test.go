package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Go-routine-4595/twinrelay/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTwinSession merges patches into its reported properties.
type fakeTwinSession struct {
	reported   domain.TwinCollection
	getErrs    []error
	updateErr  error
	gets       int
	updates    int
	dropUpdate bool
}

func (f *fakeTwinSession) GetTwin(context.Context) (*domain.Twin, error) {
	i := f.gets
	f.gets++
	if i < len(f.getErrs) && f.getErrs[i] != nil {
		return nil, f.getErrs[i]
	}
	reported := domain.TwinCollection{}
	for k, v := range f.reported {
		reported[k] = v
	}
	return &domain.Twin{Desired: domain.TwinCollection{"$version": 1.0}, Reported: reported}, nil
}

func (f *fakeTwinSession) UpdateReportedProperties(_ context.Context, patch domain.TwinCollection) error {
	f.updates++
	if f.updateErr != nil {
		return f.updateErr
	}
	if f.dropUpdate {
		return nil
	}
	if f.reported == nil {
		f.reported = domain.TwinCollection{}
	}
	for k, v := range patch {
		f.reported[k] = v
	}
	return nil
}

func newTestSynchronizer() *TwinSynchronizer {
	l := zerolog.Nop()
	clock := time.Date(2026, time.October, 18, 9, 5, 7, 0, time.UTC)
	return NewTwinSynchronizer(&l).
		WithClock(func() time.Time { return clock }).
		WithRand(func() int32 { return 42 })
}

func TestBuildPatch(t *testing.T) {
	patch := newTestSynchronizer().BuildPatch()

	assert.Equal(t, "First Reported Property 42", patch["first"])
	assert.Equal(t, map[string]any{
		"date": "Sunday, 18 October 2026",
		"time": "09:05:07",
	}, patch["second"])
}

func TestBuildPatchUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	l := zerolog.Nop()
	s := NewTwinSynchronizer(&l).WithClock(func() time.Time {
		return time.Date(2026, time.October, 19, 8, 0, 0, 0, loc)
	})

	second := s.BuildPatch()["second"].(map[string]any)
	assert.Equal(t, "Sunday, 18 October 2026", second["date"])
	assert.Equal(t, "22:00:00", second["time"])
}

func TestBuildPatchRandomIsNonNegative(t *testing.T) {
	l := zerolog.Nop()
	s := NewTwinSynchronizer(&l)
	for i := 0; i < 100; i++ {
		assert.GreaterOrEqual(t, s.randInt(), int32(0))
	}
}

func TestSyncSuccess(t *testing.T) {
	session := &fakeTwinSession{reported: domain.TwinCollection{"$version": 1.0}}

	res := newTestSynchronizer().Sync(context.Background(), "module", session)

	require.NoError(t, res.Err)
	assert.True(t, res.Fetched())
	assert.True(t, res.Confirmed)
	assert.Equal(t, 1, session.updates)
	assert.Equal(t, 2, session.gets)

	require.NotNil(t, res.Updated)
	assert.Equal(t, res.Patch["first"], res.Updated.Reported["first"])
	second := res.Updated.Reported["second"].(map[string]any)
	assert.Equal(t, "Sunday, 18 October 2026", second["date"])
	assert.Equal(t, "09:05:07", second["time"])
}

func TestSyncFetchFailureSkipsUpdate(t *testing.T) {
	session := &fakeTwinSession{getErrs: []error{errors.New("no twin")}}

	res := newTestSynchronizer().Sync(context.Background(), "gateway", session)

	assert.EqualError(t, res.Err, "no twin")
	assert.False(t, res.Fetched())
	assert.Nil(t, res.Patch)
	assert.Equal(t, 0, session.updates)
	assert.Equal(t, 1, session.gets)
}

func TestSyncUpdateFailure(t *testing.T) {
	session := &fakeTwinSession{updateErr: errors.New("status 400")}

	res := newTestSynchronizer().Sync(context.Background(), "module", session)

	assert.EqualError(t, res.Err, "status 400")
	assert.True(t, res.Fetched())
	assert.NotNil(t, res.Patch)
	assert.Nil(t, res.Updated)
	assert.False(t, res.Confirmed)
	assert.Equal(t, 1, session.gets)
}

func TestSyncRefetchFailure(t *testing.T) {
	session := &fakeTwinSession{getErrs: []error{nil, errors.New("timeout")}}

	res := newTestSynchronizer().Sync(context.Background(), "module", session)

	assert.EqualError(t, res.Err, "timeout")
	assert.Equal(t, 1, session.updates)
	assert.Nil(t, res.Updated)
}

func TestSyncNotConfirmed(t *testing.T) {
	session := &fakeTwinSession{dropUpdate: true}

	res := newTestSynchronizer().Sync(context.Background(), "module", session)

	require.NoError(t, res.Err)
	require.NotNil(t, res.Updated)
	assert.False(t, res.Confirmed)
}

func TestSyncFailureDoesNotBlockSecondSession(t *testing.T) {
	s := newTestSynchronizer()
	failing := &fakeTwinSession{getErrs: []error{errors.New("unreachable")}}
	healthy := &fakeTwinSession{}

	first := s.Sync(context.Background(), "module", failing)
	second := s.Sync(context.Background(), "gateway", healthy)

	assert.Error(t, first.Err)
	require.NoError(t, second.Err)
	assert.True(t, second.Confirmed)
}

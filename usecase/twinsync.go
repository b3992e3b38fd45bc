package usecase

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/Go-routine-4595/twinrelay/domain"

	"github.com/rs/zerolog"
)

// invariant long date and time patterns
const (
	longDateLayout = "Monday, 02 January 2006"
	longTimeLayout = "15:04:05"
)

// TwinSyncResult is the outcome of one synchronization. Twin is nil when the
// initial fetch failed.
type TwinSyncResult struct {
	Identity  string
	Twin      *domain.Twin
	Patch     domain.TwinCollection
	Updated   *domain.Twin
	Confirmed bool
	Err       error
}

func (r TwinSyncResult) Fetched() bool {
	return r.Twin != nil
}

// TwinSynchronizer reads a twin, reports a patch and reads it back once.
type TwinSynchronizer struct {
	logger  zerolog.Logger
	now     func() time.Time
	randInt func() int32
}

func NewTwinSynchronizer(l *zerolog.Logger) *TwinSynchronizer {
	var logger zerolog.Logger

	if l == nil {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = *l
	}

	return &TwinSynchronizer{
		logger:  logger,
		now:     time.Now,
		randInt: func() int32 { return rand.Int31n(math.MaxInt32) },
	}
}

func (s *TwinSynchronizer) WithClock(now func() time.Time) *TwinSynchronizer {
	s.now = now
	return s
}

func (s *TwinSynchronizer) WithRand(fn func() int32) *TwinSynchronizer {
	s.randInt = fn
	return s
}

// BuildPatch returns the reported properties patch:
//
//	{"first": "First Reported Property <n>", "second": {"date": ..., "time": ...}}
func (s *TwinSynchronizer) BuildPatch() domain.TwinCollection {
	now := s.now().UTC()

	return domain.TwinCollection{
		"first": fmt.Sprintf("First Reported Property %d", s.randInt()),
		"second": map[string]any{
			"date": now.Format(longDateLayout),
			"time": now.Format(longTimeLayout),
		},
	}
}

// Sync never fails: errors are logged and recorded in the result.
func (s *TwinSynchronizer) Sync(ctx context.Context, identity string, session TwinSession) TwinSyncResult {
	logger := s.logger.With().Str("twin", identity).Logger()
	result := TwinSyncResult{Identity: identity}

	logger.Info().Msg("-- Try getting twin --")
	twin, err := session.GetTwin(ctx)
	if err != nil {
		logBracketedError(&logger, err)
		result.Err = err
	} else {
		result.Twin = twin
		logger.Info().
			RawJSON("reported", []byte(twin.Reported.ToJSON())).
			RawJSON("desired", []byte(twin.Desired.ToJSON())).
			Msg("Device Twin Content")
		logger.Info().Msg("--- Done ---")
	}

	logger.Info().Msg("--- Try Updating reported props ---")
	if result.Twin == nil {
		logger.Warn().Msg("--- No device twin present, maybe caused by previous error ---")
		return result
	}

	result.Patch = s.BuildPatch()
	if err := session.UpdateReportedProperties(ctx, result.Patch); err != nil {
		logBracketedError(&logger, err)
		result.Err = err
		return result
	}
	logger.Info().Msg("--- Done ---")

	logger.Info().Msg("--- Trying to get the twin, again ---")
	updated, err := session.GetTwin(ctx)
	if err != nil {
		logBracketedError(&logger, err)
		result.Err = err
		return result
	}
	result.Updated = updated
	result.Confirmed = reportedMatches(updated.Reported, result.Patch)

	logger.Info().
		RawJSON("reported", []byte(updated.Reported.ToJSON())).
		Bool("confirmed", result.Confirmed).
		Msg("- Reported (new)")
	logger.Info().Msg("--- Done ---")

	return result
}

func reportedMatches(reported, patch domain.TwinCollection) bool {
	if reported == nil || reported["first"] != patch["first"] {
		return false
	}
	got, ok := reported["second"].(map[string]any)
	if !ok {
		return false
	}
	want := patch["second"].(map[string]any)
	return got["date"] == want["date"] && got["time"] == want["time"]
}

package consensus

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ledgercore/chain/pkg/chainparams"
)

// DifficultyErrorCode distinguishes the difficulty engine's failure
// modes so callers (and the validation pipeline's BadDifficulty mapping)
// can switch on cause rather than parse strings.
type DifficultyErrorCode string

const (
	ErrInsufficientHistory DifficultyErrorCode = "InsufficientHistory"
	ErrInvalidTimestamp    DifficultyErrorCode = "InvalidTimestamp"
	ErrExceedsMaximum      DifficultyErrorCode = "ExceedsMaximum"
	ErrBelowMinimum        DifficultyErrorCode = "BelowMinimum"
	ErrTimestampManip      DifficultyErrorCode = "TimestampManipulation"
)

type DifficultyError struct {
	Code   DifficultyErrorCode
	Reason string
}

func (e *DifficultyError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Reason) }

func difficultyErr(code DifficultyErrorCode, format string, args ...interface{}) *DifficultyError {
	return &DifficultyError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// HeaderSample is the minimal per-header information the difficulty
// engine needs from recent chain history.
type HeaderSample struct {
	Timestamp uint64
	Height    uint64
}

// Engine computes compact targets for network params, tracking the
// previous adjustment ratio so it can detect oscillation attacks
// across interval boundaries ("relative to the previous
// adjustment" clause).
type Engine struct {
	params          *chainparams.Params
	prevRatio       float64
	haveprevRatio   bool
	weightedTimespan bool
	log             zerolog.Logger
}

func NewEngine(params *chainparams.Params) *Engine {
	return &Engine{params: params, weightedTimespan: true, log: zerolog.Nop()}
}

// SetLogger attaches the structured logger clamp and oscillation
// events are reported on. Defaults to a no-op logger so a caller that
// never wires one (e.g. a unit test) sees no output rather than a nil
// panic.
func (e *Engine) SetLogger(log zerolog.Logger) { e.log = log }

// CalculateNextTarget computes the compact bits value for nextHeight.
// window must contain the headers of the most recently completed
// adjustment interval, oldest first, ending at the header immediately
// preceding the block being evaluated.
func (e *Engine) CalculateNextTarget(currentBits uint32, nextHeight uint64, window []HeaderSample) (uint32, error) {
	interval := e.params.AdjustmentInterval
	if nextHeight%interval != 0 || nextHeight == 0 {
		return currentBits, nil
	}
	if len(window) < 4 {
		return 0, difficultyErr(ErrInsufficientHistory, "need at least 4 headers in the adjustment window, have %d", len(window))
	}

	timespan, err := e.computeTimespan(window)
	if err != nil {
		return 0, err
	}

	expected := int64(e.params.TargetBlockTime.Seconds()) * int64(len(window)-1)
	if expected <= 0 {
		return 0, difficultyErr(ErrInvalidTimestamp, "expected timespan must be positive")
	}

	clampedTimespan := clampInt64(timespan, expected/4, expected*4)
	if clampedTimespan != timespan {
		e.log.Warn().
			Int64("raw_timespan", timespan).
			Int64("clamped_timespan", clampedTimespan).
			Int64("expected", expected).
			Msg("difficulty timespan clamped, possible manipulation attempt")
	}

	ratio := float64(clampedTimespan) / float64(expected)

	dampened := 1 + (ratio-1)/float64(e.params.DampeningFactor)
	clampedRatio := clampFloat(dampened, 0.25, 4.0)
	if clampedRatio != dampened {
		e.log.Warn().
			Float64("raw_ratio", dampened).
			Float64("clamped_ratio", clampedRatio).
			Msg("difficulty adjustment ratio clamped, possible manipulation attempt")
	}

	if e.haveprevRatio && e.prevRatio > 2.0 && clampedRatio < 0.5 {
		e.log.Warn().
			Float64("prev_ratio", e.prevRatio).
			Float64("ratio", clampedRatio).
			Msg("difficulty ratio oscillation across adjustment boundary rejected as a timestamp manipulation attempt")
		return 0, difficultyErr(ErrTimestampManip, "ratio oscillated from %.3f to %.3f across adjustment boundary", e.prevRatio, clampedRatio)
	}
	e.prevRatio = clampedRatio
	e.haveprevRatio = true

	currentTarget, err := TargetFromBits(currentBits)
	if err != nil {
		return 0, err
	}

	newTarget, err := scaleTarget(currentTarget, clampedRatio)
	if err != nil {
		return 0, err
	}

	minTarget := new(big.Int).SetBytes(e.params.MinTarget[:])
	maxTarget := new(big.Int).SetBytes(e.params.MaxTarget[:])
	newTarget = ClampTarget(newTarget, minTarget, maxTarget)

	if newTarget.Cmp(minTarget) < 0 {
		return 0, difficultyErr(ErrExceedsMaximum, "renormalized target below network minimum target")
	}
	if newTarget.Cmp(maxTarget) > 0 {
		return 0, difficultyErr(ErrBelowMinimum, "renormalized target exceeds network maximum target")
	}

	return CompactBits(newTarget), nil
}

// computeTimespan derives start/end times from the window's boundary
// medians and, when weighted mode is enabled, recomputes the timespan
// as a trimmed mean of per-block intervals scaled to the full window.
func (e *Engine) computeTimespan(window []HeaderSample) (int64, error) {
	n := len(window)
	startTime := medianOf3(window[0].Timestamp, window[1].Timestamp, window[2].Timestamp)
	endTime := medianOf3(window[n-3].Timestamp, window[n-2].Timestamp, window[n-1].Timestamp)
	if endTime <= startTime {
		return 0, difficultyErr(ErrInvalidTimestamp, "window end time %d <= start time %d", endTime, startTime)
	}
	timespan := int64(endTime - startTime)
	if !e.weightedTimespan {
		return timespan, nil
	}

	intervals := make([]int64, 0, n-1)
	for i := 1; i < n; i++ {
		if window[i].Timestamp <= window[i-1].Timestamp {
			continue // non-increasing timestamps contribute nothing to the trimmed mean
		}
		intervals = append(intervals, int64(window[i].Timestamp-window[i-1].Timestamp))
	}
	if len(intervals) == 0 {
		return timespan, nil
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })

	trim := len(intervals) / 5 // drop lowest/highest 20%
	trimmed := intervals[trim : len(intervals)-trim]
	if len(trimmed) == 0 {
		trimmed = intervals
	}
	var sum int64
	for _, v := range trimmed {
		sum += v
	}
	// Scale the trimmed-mean interval back up to the full window length.
	meanInterval := float64(sum) / float64(len(trimmed))
	return int64(meanInterval * float64(n-1)), nil
}

func medianOf3(a, b, c uint64) uint64 {
	if a > b {
		a, b = b, a
	}
	if b > c {
		b = c
	}
	if a > b {
		b = a
	}
	return b
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// scaleTarget multiplies a target by a floating ratio. The mantissa is
// scaled directly and renormalized between exponent and mantissa so it
// stays within [0x008000, 0x00FFFFFF],
func scaleTarget(target *big.Int, ratio float64) (*big.Int, error) {
	bits := CompactBits(target)
	exponent := int64(bits >> mantissaShift)
	mantissa := float64(bits & 0x00FFFFFF)

	newMantissa := mantissa * ratio
	for newMantissa > maxMantissa && exponent < maxExponent {
		newMantissa /= 256
		exponent++
	}
	for newMantissa < minMantissa && exponent > minExponent {
		newMantissa *= 256
		exponent--
	}
	if exponent > maxExponent {
		return nil, difficultyErr(ErrExceedsMaximum, "renormalized exponent %d exceeds 0x20", exponent)
	}
	roundedMantissa := uint32(newMantissa + 0.5)
	if roundedMantissa < minMantissa {
		roundedMantissa = minMantissa
	}
	if roundedMantissa > maxMantissa {
		roundedMantissa = maxMantissa
	}
	newBits := uint32(exponent)<<mantissaShift | roundedMantissa
	return TargetFromBits(newBits)
}

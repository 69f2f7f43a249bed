package matchpool

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind distinguishes the two queue families.
type Kind string

const (
	Casual Kind = "casual"
	Rated  Kind = "rated"
)

// PoolKey identifies one matchmaking queue and doubles as the coordinator
// entity key. The string form is stable: "rated:3+2".
type PoolKey struct {
	Kind        Kind
	TimeControl string
}

func (k PoolKey) String() string { return string(k.Kind) + ":" + k.TimeControl }

func ParsePoolKey(s string) (PoolKey, error) {
	kind, tc, ok := strings.Cut(s, ":")
	if !ok || tc == "" {
		return PoolKey{}, fmt.Errorf("malformed pool key: %q", s)
	}
	switch Kind(kind) {
	case Casual, Rated:
		return PoolKey{Kind: Kind(kind), TimeControl: tc}, nil
	}
	return PoolKey{}, fmt.Errorf("unknown pool kind: %q", kind)
}

// Seeker describes one waiting player. Immutable once enqueued except for
// WavesMissed, which the rated pool bumps each wave the seeker goes
// unmatched. Rating/Range are meaningful only when Kind is Rated.
type Seeker struct {
	UserID      string
	DisplayName string
	Excluded    map[string]bool
	EnqueuedAt  time.Time
	WavesMissed int

	Rating float64
	Range  float64
}

func (s *Seeker) excludes(userID string) bool { return s.Excluded[userID] }

// mutualNonExclusion holds unless either side lists the other. Symmetric.
func mutualNonExclusion(a, b *Seeker) bool {
	return !a.excludes(b.UserID) && !b.excludes(a.UserID)
}

// Compatible reports whether two rated seekers may meet: each rating must sit
// inside the other's declared window, and neither may exclude the other. The
// window check is two-sided; a wide-range seeker cannot drag a narrow-range
// one outside its declared bound.
func Compatible(a, b *Seeker) bool {
	if a.UserID == b.UserID {
		return false
	}
	if !mutualNonExclusion(a, b) {
		return false
	}
	d := math.Abs(a.Rating - b.Rating)
	return d <= a.Range && d <= b.Range
}

// Pair is one selected match, removed from the pool for this wave.
type Pair struct {
	A *Seeker
	B *Seeker
}

package matchpool

import (
	"math"
	"sort"
)

// Pool is one in-memory seeker collection, owned exclusively by its
// coordinator entity. Implementations are not safe for concurrent use; the
// entity runtime serializes every call for a given pool key.
type Pool interface {
	// Add enqueues a seeker. A second Add for the same user replaces the
	// previous entry (fresh rating/exclusions, aging reset).
	Add(s *Seeker)
	// Remove drops a seeker; reports whether it was present.
	Remove(userID string) bool
	Len() int
	// Wave runs one pairing pass. Selected pairs leave the pool; a seeker is
	// matched at most once per wave.
	Wave() []Pair
}

// NewPool returns the pool variant for the key's kind.
func NewPool(kind Kind, agingCredit float64) Pool {
	if kind == Rated {
		return &ratedPool{agingCredit: agingCredit}
	}
	return &casualPool{}
}

// casualPool pairs in FIFO order: consecutive mutually agreeable seekers
// form pairs, an odd seeker-out waits for the next pass.
type casualPool struct {
	seekers []*Seeker
}

func (p *casualPool) Add(s *Seeker) {
	p.Remove(s.UserID)
	p.seekers = append(p.seekers, s)
}

func (p *casualPool) Remove(userID string) bool {
	for i, s := range p.seekers {
		if s.UserID == userID {
			p.seekers = append(p.seekers[:i], p.seekers[i+1:]...)
			return true
		}
	}
	return false
}

func (p *casualPool) Len() int { return len(p.seekers) }

func (p *casualPool) Wave() []Pair {
	var pairs []Pair
	used := make([]bool, len(p.seekers))
	for i, a := range p.seekers {
		if used[i] {
			continue
		}
		for j := i + 1; j < len(p.seekers); j++ {
			b := p.seekers[j]
			if used[j] || !mutualNonExclusion(a, b) {
				continue
			}
			used[i], used[j] = true, true
			pairs = append(pairs, Pair{A: a, B: b})
			break
		}
	}
	if len(pairs) == 0 {
		return nil
	}
	rest := p.seekers[:0]
	for i, s := range p.seekers {
		if !used[i] {
			rest = append(rest, s)
		}
	}
	p.seekers = rest
	return pairs
}

// ratedPool pairs once per wave by rating distance with fairness aging:
// every wave a seeker sits out lowers its pairs' effective distance, so a
// long-waiting seeker climbs the priority order. Aging never admits a pair
// outside either declared window.
type ratedPool struct {
	seekers     []*Seeker
	agingCredit float64
}

func (p *ratedPool) Add(s *Seeker) {
	p.Remove(s.UserID)
	p.seekers = append(p.seekers, s)
}

func (p *ratedPool) Remove(userID string) bool {
	for i, s := range p.seekers {
		if s.UserID == userID {
			p.seekers = append(p.seekers[:i], p.seekers[i+1:]...)
			return true
		}
	}
	return false
}

func (p *ratedPool) Len() int { return len(p.seekers) }

type candidate struct {
	i, j     int
	dist     float64
	priority float64
}

func (p *ratedPool) Wave() []Pair {
	if len(p.seekers) < 2 {
		p.age(nil)
		return nil
	}

	var cands []candidate
	for i := 0; i < len(p.seekers); i++ {
		for j := i + 1; j < len(p.seekers); j++ {
			a, b := p.seekers[i], p.seekers[j]
			if !Compatible(a, b) {
				continue
			}
			dist := math.Abs(a.Rating - b.Rating)
			aged := float64(min(a.WavesMissed, b.WavesMissed))
			cands = append(cands, candidate{
				i: i, j: j,
				dist:     dist,
				priority: dist - p.agingCredit*aged,
			})
		}
	}
	sort.Slice(cands, func(x, y int) bool {
		if cands[x].priority != cands[y].priority {
			return cands[x].priority < cands[y].priority
		}
		if cands[x].dist != cands[y].dist {
			return cands[x].dist < cands[y].dist
		}
		return cands[x].i < cands[y].i
	})

	used := make([]bool, len(p.seekers))
	var pairs []Pair
	for _, c := range cands {
		if used[c.i] || used[c.j] {
			continue
		}
		used[c.i], used[c.j] = true, true
		pairs = append(pairs, Pair{A: p.seekers[c.i], B: p.seekers[c.j]})
	}

	p.age(used)
	return pairs
}

// age drops matched seekers and bumps WavesMissed on everyone left behind.
func (p *ratedPool) age(used []bool) {
	rest := p.seekers[:0]
	for i, s := range p.seekers {
		if used != nil && used[i] {
			continue
		}
		s.WavesMissed++
		rest = append(rest, s)
	}
	p.seekers = rest
}

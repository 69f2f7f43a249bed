// Package quest tracks per-user quest progress driven by game outcomes.
// One entity per user ID; progress counters are durable so a quest survives
// restarts mid-way.
package quest

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/YishaiYosifov/chess2-sub006/internal/entity"
	"github.com/YishaiYosifov/chess2-sub006/internal/notify"
	"github.com/YishaiYosifov/chess2-sub006/internal/obslog"
	"github.com/YishaiYosifov/chess2-sub006/pkg/matchdto"
)

// Kind is the entity kind; the key is the user ID.
const Kind = "quest"

// Outcome of one game from the tracked user's point of view.
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
	OutcomeDraw Outcome = "draw"
)

// definition is a static quest template. countsFor decides whether one
// outcome advances it.
type definition struct {
	Name      string
	Target    int
	countsFor func(Outcome) bool
}

var definitions = []definition{
	{Name: "play_5_games", Target: 5, countsFor: func(Outcome) bool { return true }},
	{Name: "play_25_games", Target: 25, countsFor: func(Outcome) bool { return true }},
	{Name: "win_3_games", Target: 3, countsFor: func(o Outcome) bool { return o == OutcomeWin }},
	{Name: "win_10_games", Target: 10, countsFor: func(o Outcome) bool { return o == OutcomeWin }},
}

// state keeps per-quest counters plus the set already completed, so a quest
// awards its notification exactly once.
type state struct {
	Progress  map[string]int  `json:"progress"`
	Completed map[string]bool `json:"completed"`
}

// Progress is one quest's externally visible standing.
type Progress struct {
	Name      string `json:"name"`
	Current   int    `json:"current"`
	Target    int    `json:"target"`
	Completed bool   `json:"completed"`
}

type Service struct {
	rt       *entity.Runtime
	notifier notify.Notifier
}

func NewService(rt *entity.Runtime, notifier notify.Notifier) *Service {
	return &Service{rt: rt, notifier: notifier}
}

// RecordGameOutcome advances every quest the outcome counts toward and
// notifies on each newly completed one. Guests carry no quest progress.
func (s *Service) RecordGameOutcome(ctx context.Context, caller matchdto.Caller, outcome Outcome) error {
	if caller.UserID == "" {
		return matchdto.PolicyViolation("missing caller identity")
	}
	if caller.Guest {
		return nil
	}
	return s.rt.Do(ctx, Kind, caller.UserID, func(ctx context.Context, ec *entity.Ctx) error {
		var st state
		if _, err := ec.LoadState(ctx, &st); err != nil {
			return err
		}
		if st.Progress == nil {
			st.Progress = map[string]int{}
		}
		if st.Completed == nil {
			st.Completed = map[string]bool{}
		}

		var newlyCompleted []string
		for _, def := range definitions {
			if st.Completed[def.Name] || !def.countsFor(outcome) {
				continue
			}
			st.Progress[def.Name]++
			if st.Progress[def.Name] >= def.Target {
				st.Completed[def.Name] = true
				newlyCompleted = append(newlyCompleted, def.Name)
			}
		}
		if err := ec.SaveState(ctx, &st); err != nil {
			return err
		}
		// Notify only after the completion is durable; a crash in between
		// costs a notification, never awards one twice.
		for _, name := range newlyCompleted {
			s.notifier.QuestCompleted(ctx, caller.UserID, name)
			obslog.L().Info("quest_complete",
				zap.String("user_id", caller.UserID),
				zap.String("quest", name),
			)
		}
		return nil
	})
}

// GetProgress lists the user's standing on every quest, stable order.
func (s *Service) GetProgress(ctx context.Context, caller matchdto.Caller) ([]Progress, error) {
	if caller.UserID == "" {
		return nil, matchdto.PolicyViolation("missing caller identity")
	}
	var out []Progress
	err := s.rt.Do(ctx, Kind, caller.UserID, func(ctx context.Context, ec *entity.Ctx) error {
		var st state
		if _, err := ec.LoadState(ctx, &st); err != nil {
			return err
		}
		for _, def := range definitions {
			out = append(out, Progress{
				Name:      def.Name,
				Current:   st.Progress[def.Name],
				Target:    def.Target,
				Completed: st.Completed[def.Name],
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return nil
	})
	return out, err
}

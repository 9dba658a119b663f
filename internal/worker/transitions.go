package worker

import (
	"time"

	"sitepipe/internal/config"
	"sitepipe/internal/domain"
)

// stageOutcome keys the transition table: what finished and how.
type stageOutcome struct {
	Stage  domain.Stage
	Failed bool
}

// transition declares what a finished stage triggers next. FanOut marks the
// content entry transition that expands into one job per draft page;
// MarkProjectError flips the whole project on a critical stage's terminal
// failure.
type transition struct {
	NextStage        domain.Stage
	Queue            string
	Delay            time.Duration
	FanOut           bool
	MarkProjectError bool
}

// settleDelay gives the store a beat between research finishing and
// architecture reading its output.
const settleDelay = 2 * time.Second

// transitions is the full stage graph. Stages absent on success end their
// chain; stages absent on failure rely on queue retries alone.
var transitions = map[stageOutcome]transition{
	{Stage: domain.StageResearch}: {
		NextStage: domain.StageArchitecture,
		Queue:     config.QueueAgentTasks,
		Delay:     settleDelay,
	},
	{Stage: domain.StageArchitecture}: {
		NextStage: domain.StageContent,
		Queue:     config.QueueBuild,
		FanOut:    true,
	},
	{Stage: domain.StageContent}: {
		NextStage: domain.StagePublish,
		Queue:     config.QueuePublish,
	},
	{Stage: domain.StagePublish}: {
		NextStage: domain.StageMonitor,
		Queue:     config.QueueMonitor,
		Delay:     time.Minute,
	},
	{Stage: domain.StageResearch, Failed: true}: {
		MarkProjectError: true,
	},
	{Stage: domain.StageArchitecture, Failed: true}: {
		MarkProjectError: true,
	},
}

func transitionFor(stage domain.Stage, failed bool) (transition, bool) {
	t, ok := transitions[stageOutcome{Stage: stage, Failed: failed}]
	return t, ok
}

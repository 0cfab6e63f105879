package engine

import (
	"time"

	"github.com/CosmoTheDev/webscan-engine/internal/scanner"
)

// stage is an orchestration window. Discovery runs first at high priority
// and feeds the later windows; probing runs last and is the first thing
// shed when the budget runs short.
type stage int

const (
	stageA stage = iota // discovery
	stageB              // analysis of the discovered surface
	stageC              // probing deep dives
)

const (
	stageAPriority   = 9
	stageBPriority   = 6
	stageCPriority   = 3
	unstagedPriority = 5

	stageACap = 10 * time.Second
	stageBCap = 60 * time.Second
	stageCCap = 90 * time.Second

	// stageBEarlyPages opens the analysis window before discovery finishes
	// once the crawl has visited this many URLs.
	stageBEarlyPages = 10

	// stageCMinBudget is the remaining-budget floor for probing. Below it
	// new probing tasks are skipped and running ones are cancelled so the
	// tail of the budget goes to finishing and aggregation.
	stageCMinBudget = 20 * time.Second
)

func (s stage) String() string {
	switch s {
	case stageA:
		return "A"
	case stageB:
		return "B"
	default:
		return "C"
	}
}

func (s stage) priority() int {
	switch s {
	case stageA:
		return stageAPriority
	case stageB:
		return stageBPriority
	default:
		return stageCPriority
	}
}

func (s stage) cap() time.Duration {
	switch s {
	case stageA:
		return stageACap
	case stageB:
		return stageBCap
	default:
		return stageCCap
	}
}

// stageOf maps a scanner's declared pipeline position onto an orchestration
// window.
func stageOf(md scanner.Metadata) stage {
	switch md.Stage {
	case scanner.StageRecon:
		return stageA
	case scanner.StageProbing:
		return stageC
	default:
		return stageB
	}
}

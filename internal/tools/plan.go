package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// PlanToolName is the tool whose presence in a batch parks the whole
// batch for explicit plan approval before anything executes.
const PlanToolName = "propose_plan"

// ProposePlan presents a multi-step plan for user review. The call is
// resolved by the approval decision, not by running Execute; Execute only
// runs when a recovered batch replays the call directly.
type ProposePlan struct{}

func NewProposePlan() *ProposePlan { return &ProposePlan{} }

type proposePlanArgs struct {
	Plan string `json:"plan"`
}

func (t *ProposePlan) Name() string { return PlanToolName }

func (t *ProposePlan) Description() string {
	return "Propose a plan of the tool actions you intend to take and wait for user approval"
}

func (t *ProposePlan) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"plan": {"type": "string", "description": "The plan, as a short numbered list of intended actions."}
		},
		"required": ["plan"]
	}`)
}

func (t *ProposePlan) Approval() ApprovalRequirement { return ApprovalAlways }

func (t *ProposePlan) Effect(json.RawMessage) EffectProfile { return EffectPure }

func (t *ProposePlan) Timeout() time.Duration { return 0 }

func (t *ProposePlan) Summary(args json.RawMessage) (string, error) {
	var typed proposePlanArgs
	if err := json.Unmarshal(args, &typed); err != nil {
		return "", errors.New("Bad args: plan must be a JSON object")
	}
	plan := strings.TrimSpace(typed.Plan)
	if plan == "" {
		return "", errors.New("Bad args: plan must not be empty")
	}
	return plan, nil
}

func (t *ProposePlan) Execute(ctx context.Context, req Request) (string, error) {
	if _, err := t.Summary(req.Args); err != nil {
		return "", err
	}
	return "Plan approved", nil
}

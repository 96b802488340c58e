package policy

// Engine evaluates pure, configuration-driven rules about which commands may
// run and which must pass through the approval gate. No persisted state.
type Engine struct {
	blocked          map[string]struct{}
	requiresApproval map[string]struct{}
}

type Decision struct {
	Allowed bool
	Reason  string
}

const ReasonBlockedByPolicy = "blocked_by_policy"

func New(blockedCommands, approvalRequiredCommands []string) *Engine {
	e := &Engine{
		blocked:          make(map[string]struct{}, len(blockedCommands)),
		requiresApproval: make(map[string]struct{}, len(approvalRequiredCommands)),
	}
	for _, c := range blockedCommands {
		e.blocked[c] = struct{}{}
	}
	for _, c := range approvalRequiredCommands {
		e.requiresApproval[c] = struct{}{}
	}
	return e
}

func (e *Engine) CanExecute(command string) Decision {
	if _, ok := e.blocked[command]; ok {
		return Decision{Reason: ReasonBlockedByPolicy}
	}
	return Decision{Allowed: true}
}

// NeedsApproval is always true for posting to every platform at once,
// regardless of configuration.
func (e *Engine) NeedsApproval(command, platform string) bool {
	if command == "/post" && platform == "all" {
		return true
	}
	_, ok := e.requiresApproval[command]
	return ok
}

// Package protocol defines the gateway RPC wire format (C9): frame shapes
// and the static method name → required scope table from the wire
// protocol section of the specification.
package protocol

// ProtocolVersion is bumped whenever a frame shape or method contract
// changes incompatibly.
const ProtocolVersion = 1

// RPC method name constants, grouped by the scope the method table (§6.2)
// requires.
const (
	// operator.read
	MethodHealth           = "health"
	MethodStatus           = "status"
	MethodLogsTail         = "logs.tail"
	MethodChannelsStatus   = "channels.status"
	MethodProvidersStatus  = "providers.status"
	MethodSessionsList     = "sessions.list"
	MethodSessionsPreview  = "sessions.preview"
	MethodSessionsResolve  = "sessions.resolve"
	MethodSessionsUsage    = "sessions.usage"
	MethodCronList         = "cron.list"
	MethodNodeList         = "node.list"
	MethodNodeDescribe     = "node.describe"
	MethodChatHistory      = "chat.history"
	MethodConfigGet        = "config.get"

	// operator.write
	MethodSend          = "send"
	MethodPoll          = "poll"
	MethodAgent         = "agent"
	MethodAgentWait     = "agent.wait"
	MethodWake          = "wake"
	MethodChatSend      = "chat.send"
	MethodChatAbort     = "chat.abort"
	MethodNodeInvoke    = "node.invoke"
	MethodBrowserRequest = "browser.request"
	MethodPushTest      = "push.test"

	// operator.approvals
	MethodApprovalRequest      = "exec.approval.request"
	MethodApprovalWaitDecision = "exec.approval.waitDecision"
	MethodApprovalResolve      = "exec.approval.resolve"

	// operator.pairing
	MethodNodePairRequest  = "node.pair.request"
	MethodNodePairList     = "node.pair.list"
	MethodNodePairApprove  = "node.pair.approve"
	MethodNodePairReject   = "node.pair.reject"
	MethodDevicePairStatus = "device.pair.status"
	MethodDeviceTokenRotate = "device.token.rotate"
	MethodDeviceTokenRevoke = "device.token.revoke"
	MethodNodeRename       = "node.rename"

	// operator.admin
	MethodSessionsPatch    = "sessions.patch"
	MethodSessionsReset    = "sessions.reset"
	MethodSessionsDelete   = "sessions.delete"
	MethodSessionsCompact  = "sessions.compact"
	MethodChannelsLogout   = "channels.logout"
	MethodAgentsCreate     = "agents.create"
	MethodAgentsUpdate     = "agents.update"
	MethodAgentsDelete     = "agents.delete"
	MethodSkillsInstall    = "skills.install"
	MethodSkillsUpdate     = "skills.update"
	MethodCronAdd          = "cron.add"
	MethodCronUpdate       = "cron.update"
	MethodCronRemove       = "cron.remove"
	MethodCronRun          = "cron.run"
	MethodConnect          = "connect"
	MethodChatInject       = "chat.inject"
	MethodConfigSet        = "config.set"
	MethodConfigApply      = "config.apply"
	MethodConfigPatch      = "config.patch"
	MethodConfigSchema     = "config.schema"
	MethodWizardRun        = "wizard.run"
	MethodUpdateRun        = "update.run"
	MethodExecApprovalsGet = "exec.approvals.get"
	MethodExecApprovalsSet = "exec.approvals.set"
)

// Scope is a required authorization capability, matching pairing.Scope's
// string values; duplicated here (rather than imported) so this package has
// no dependency on pairing, keeping the method table a pure data table.
type Scope string

const (
	ScopeRead      Scope = "operator.read"
	ScopeWrite     Scope = "operator.write"
	ScopeApprovals Scope = "operator.approvals"
	ScopePairing   Scope = "operator.pairing"
	ScopeAdmin     Scope = "operator.admin"
)

// MethodScopes maps every known method to its required scope (§6.2). A
// method absent from this table is unclassified and defaults to
// ScopeAdmin-only per the authorization predicate's default-deny rule.
var MethodScopes = map[string]Scope{
	MethodHealth:          ScopeRead,
	MethodStatus:          ScopeRead,
	MethodLogsTail:        ScopeRead,
	MethodChannelsStatus:  ScopeRead,
	MethodProvidersStatus: ScopeRead,
	MethodSessionsList:    ScopeRead,
	MethodSessionsPreview: ScopeRead,
	MethodSessionsResolve: ScopeRead,
	MethodSessionsUsage:   ScopeRead,
	MethodCronList:        ScopeRead,
	MethodNodeList:        ScopeRead,
	MethodNodeDescribe:    ScopeRead,
	MethodChatHistory:     ScopeRead,
	MethodConfigGet:       ScopeRead,

	MethodSend:           ScopeWrite,
	MethodPoll:           ScopeWrite,
	MethodAgent:          ScopeWrite,
	MethodAgentWait:      ScopeWrite,
	MethodWake:           ScopeWrite,
	MethodChatSend:       ScopeWrite,
	MethodChatAbort:      ScopeWrite,
	MethodNodeInvoke:     ScopeWrite,
	MethodBrowserRequest: ScopeWrite,
	MethodPushTest:       ScopeWrite,

	MethodApprovalRequest:      ScopeApprovals,
	MethodApprovalWaitDecision: ScopeApprovals,
	MethodApprovalResolve:      ScopeApprovals,

	MethodNodePairRequest:   ScopePairing,
	MethodNodePairList:      ScopePairing,
	MethodNodePairApprove:   ScopePairing,
	MethodNodePairReject:    ScopePairing,
	MethodDevicePairStatus:  ScopePairing,
	MethodDeviceTokenRotate: ScopePairing,
	MethodDeviceTokenRevoke: ScopePairing,
	MethodNodeRename:        ScopePairing,

	MethodSessionsPatch:    ScopeAdmin,
	MethodSessionsReset:    ScopeAdmin,
	MethodSessionsDelete:   ScopeAdmin,
	MethodSessionsCompact:  ScopeAdmin,
	MethodChannelsLogout:   ScopeAdmin,
	MethodAgentsCreate:     ScopeAdmin,
	MethodAgentsUpdate:     ScopeAdmin,
	MethodAgentsDelete:     ScopeAdmin,
	MethodSkillsInstall:    ScopeAdmin,
	MethodSkillsUpdate:     ScopeAdmin,
	MethodCronAdd:          ScopeAdmin,
	MethodCronUpdate:       ScopeAdmin,
	MethodCronRemove:       ScopeAdmin,
	MethodCronRun:          ScopeAdmin,
	MethodConnect:          ScopeAdmin,
	MethodChatInject:       ScopeAdmin,
	MethodConfigSet:        ScopeAdmin,
	MethodConfigApply:      ScopeAdmin,
	MethodConfigPatch:      ScopeAdmin,
	MethodConfigSchema:     ScopeAdmin,
	MethodWizardRun:        ScopeAdmin,
	MethodUpdateRun:        ScopeAdmin,
	MethodExecApprovalsGet: ScopeAdmin,
	MethodExecApprovalsSet: ScopeAdmin,
}

// RequiredScope returns the scope a method needs, and whether the method is
// classified at all. Unclassified methods require ScopeAdmin (default-deny).
func RequiredScope(method string) (Scope, bool) {
	s, ok := MethodScopes[method]
	return s, ok
}

// LongRunningMethods stream intermediate `event` frames bound to the
// request id before their final `response`.
var LongRunningMethods = map[string]bool{
	MethodAgent:    true,
	MethodChatSend: true,
	MethodAgentWait: true,
}

package channels

import (
	"strings"

	"github.com/clawgate/clawgate/internal/pairing"
)

// DMPairingService is what a channel plugin needs to implement the
// "pairing" DM/group policy (§4.1): gate a first-contact sender behind an
// operator's out-of-band approval before the orchestrator ever sees their
// messages.
type DMPairingService interface {
	// RequestPairing registers senderID (channel-qualified, e.g. a Telegram
	// user id) as pending and returns a short code the sender can read back
	// to the operator approving it.
	RequestPairing(senderID, channelName, chatID, agentID string) (code string, err error)
	// IsPaired reports whether senderID has an approved pairing on this
	// channel.
	IsPaired(senderID, channelName string) bool
}

// NodePairingAdapter adapts the C10 node-pairing store (operator CLI/
// dashboard pairing) to the per-sender DM pairing a channel plugin needs,
// so the gateway carries exactly one pairing concept instead of two. A DM
// pairing request becomes a pending node named "<channel>:<senderID>"; once
// an operator approves it through the same `node.pair.approve` RPC method
// used for operator clients, the sender counts as paired.
type NodePairingAdapter struct {
	store *pairing.Store
}

// NewNodePairingAdapter wraps store for use as a channel's DMPairingService.
func NewNodePairingAdapter(store *pairing.Store) *NodePairingAdapter {
	return &NodePairingAdapter{store: store}
}

func dmNodeName(senderID, channelName string) string {
	return channelName + ":" + senderID
}

func (a *NodePairingAdapter) RequestPairing(senderID, channelName, chatID, agentID string) (string, error) {
	pending, err := a.store.RequestPairing(dmNodeName(senderID, channelName), []pairing.Scope{pairing.ScopeRead}, chatID)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(pending.RequestID[:6]), nil
}

func (a *NodePairingAdapter) IsPaired(senderID, channelName string) bool {
	name := dmNodeName(senderID, channelName)
	for _, node := range a.store.ListPaired() {
		if node.NodeName == name && node.RevokedAt == 0 {
			return true
		}
	}
	return false
}

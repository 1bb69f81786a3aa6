package docker

import (
	"strconv"
	"strings"

	"github.com/shinji-kodama/berth/internal/model"
)

// Label keys a container can carry to tie its published ports back to a
// berth worktree. All keys share the "berth." prefix so they never collide
// with labels set by Compose or VS Code.
const (
	LabelPrefix = "berth."

	// LabelWorktreePath is the absolute worktree path the container serves.
	LabelWorktreePath = LabelPrefix + "worktree-path"

	// LabelConversation is the conversation key that started the container.
	LabelConversation = LabelPrefix + "conversation"

	// LabelCodebase is the codebase identifier.
	LabelCodebase = LabelPrefix + "codebase"

	// LabelPort is the allocated host port, as a decimal string.
	LabelPort = LabelPrefix + "port"

	// composeServiceLabel is set by Docker Compose on every service container.
	composeServiceLabel = "com.docker.compose.service"
)

// OwnerLabels returns the labels to put on a container serving an
// allocation, for callers that start containers themselves.
func OwnerLabels(alloc *model.PortAllocation) map[string]string {
	labels := map[string]string{LabelPort: strconv.Itoa(alloc.Port)}
	if alloc.Owner.WorktreePath != "" {
		labels[LabelWorktreePath] = alloc.Owner.WorktreePath
	}
	if alloc.Owner.ConversationKey != "" {
		labels[LabelConversation] = alloc.Owner.ConversationKey
	}
	if alloc.Owner.CodebaseID != "" {
		labels[LabelCodebase] = alloc.Owner.CodebaseID
	}
	return labels
}

// OwnerFromLabels reads the owner references back from container labels.
// Missing labels leave the corresponding field empty.
func OwnerFromLabels(labels map[string]string) model.Owner {
	return model.Owner{
		CodebaseID:      strings.TrimSpace(labels[LabelCodebase]),
		ConversationKey: strings.TrimSpace(labels[LabelConversation]),
		WorktreePath:    strings.TrimSpace(labels[LabelWorktreePath]),
	}
}

// labeledPort returns the berth.port label value, or 0 when absent or
// malformed.
func labeledPort(labels map[string]string) int {
	v, ok := labels[LabelPort]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 || n > 65535 {
		return 0
	}
	return n
}

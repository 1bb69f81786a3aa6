package docker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shinji-kodama/berth/internal/model"
)

// TestOwnerLabels_RoundTrip verifies labels written for an allocation read
// back into the same owner.
func TestOwnerLabels_RoundTrip(t *testing.T) {
	alloc := &model.PortAllocation{
		Port: 8003,
		Owner: model.Owner{
			CodebaseID:      "cb-1",
			ConversationKey: "conv-1",
			WorktreePath:    "/wt/app/feature",
		},
	}

	labels := OwnerLabels(alloc)
	assert.Equal(t, "8003", labels[LabelPort])
	assert.Equal(t, alloc.Owner, OwnerFromLabels(labels))
	assert.Equal(t, 8003, labeledPort(labels))
}

// TestOwnerLabels_OmitsEmpty verifies unset owner fields produce no labels.
func TestOwnerLabels_OmitsEmpty(t *testing.T) {
	labels := OwnerLabels(&model.PortAllocation{Port: 9000})
	assert.Equal(t, map[string]string{LabelPort: "9000"}, labels)
	assert.Equal(t, model.Owner{}, OwnerFromLabels(nil))
}

// TestLabeledPort_Malformed verifies bad label values are ignored.
func TestLabeledPort_Malformed(t *testing.T) {
	for _, v := range []string{"", "abc", "0", "70000", "-1"} {
		assert.Zero(t, labeledPort(map[string]string{LabelPort: v}), "value %q", v)
	}
	assert.Zero(t, labeledPort(map[string]string{}))
}

package engine

import (
	"strings"

	"github.com/google/uuid"
)

const dryRunPrefix = "DRYRUN-"

func newDryRunID() string {
	return dryRunPrefix + uuid.New().String()
}

// IsDryRunID reports whether a follower order id was synthesized in dry-run mode.
func IsDryRunID(id string) bool {
	return strings.HasPrefix(id, dryRunPrefix) && len(id) > len(dryRunPrefix)
}

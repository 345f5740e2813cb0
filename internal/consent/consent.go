// Package consent implements the Channel Consent Gate of spec §4.J: a
// small predicate used by the orchestrator's and indexer's delivery-job
// enqueue loops to skip channels whose consent has gone stale.
package consent

import "paidinbox/internal/types"

// gatedChannels are the channels spec §4.J names as "terms-gated".
var gatedChannels = map[string]bool{
	"whatsapp": true,
	"x":        true,
}

// IsGated reports whether channel requires terms acceptance before use.
func IsGated(channel string) bool {
	return gatedChannels[channel]
}

// IsCurrent implements the "consent-current" predicate: non-gated channels
// are always current; when requireSocialTOS is false every gated channel is
// current as well; otherwise a gated channel needs consentVersion to match
// the configured current TOS version and a non-zero acceptance time.
func IsCurrent(c *types.ChannelConnection, currentTOSVersion string, requireSocialTOS bool) bool {
	if !IsGated(c.Channel) {
		return true
	}
	if !requireSocialTOS {
		return true
	}
	return c.ConsentVersion == currentTOSVersion && !c.ConsentAcceptedAt.IsZero()
}

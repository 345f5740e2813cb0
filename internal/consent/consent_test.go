package consent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paidinbox/internal/types"
)

func TestNonGatedChannelIsAlwaysCurrent(t *testing.T) {
	c := &types.ChannelConnection{Channel: "email"}
	require.True(t, IsCurrent(c, "v2", true))
}

func TestGatedChannelRequiresMatchingVersionAndAcceptance(t *testing.T) {
	c := &types.ChannelConnection{Channel: "whatsapp", ConsentVersion: "v1", ConsentAcceptedAt: time.Now()}
	require.False(t, IsCurrent(c, "v2", true))

	c.ConsentVersion = "v2"
	require.True(t, IsCurrent(c, "v2", true))

	c.ConsentAcceptedAt = time.Time{}
	require.False(t, IsCurrent(c, "v2", true))
}

func TestGatedChannelIgnoresConsentWhenNotRequired(t *testing.T) {
	c := &types.ChannelConnection{Channel: "x", ConsentVersion: "", ConsentAcceptedAt: time.Time{}}
	require.True(t, IsCurrent(c, "v2", false))
}

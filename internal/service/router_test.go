package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumire/aidev/internal/domain"
)

func names(shards []domain.Shard) []string {
	out := make([]string, len(shards))
	for i, s := range shards {
		out[i] = s.Name
	}
	return out
}

func TestShardRouter_Candidates(t *testing.T) {
	busy := testShard(1, "busy", 4, 3)
	roomy := testShard(2, "roomy", 4, 0)
	full := testShard(3, "full", 2, 2)
	sick := testShard(4, "sick", 8, 0)
	sick.HealthStatus = domain.ShardHealthUnhealthy
	fresh := testShard(5, "fresh", 2, 1)
	fresh.HealthStatus = domain.ShardHealthUnknown
	noGit := testShard(6, "nogit", 8, 0)
	noGit.Capabilities = domain.Capabilities{"filesystem"}

	r := NewShardRouter(newFakeShards(busy, roomy, full, sick, fresh, noGit))

	got, err := r.Candidates(context.Background(), []string{"git"})
	require.NoError(t, err)
	assert.Equal(t, []string{"roomy", "busy", "fresh"}, names(got))
}

func TestShardRouter_TieBreaks(t *testing.T) {
	a := testShard(1, "a", 2, 0)
	b := testShard(2, "b", 2, 0)
	b.IsDefault = true
	c := testShard(3, "c", 2, 0)
	c.Priority = 5

	r := NewShardRouter(newFakeShards(a, b, c))

	got, err := r.Candidates(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, names(got))

	best, err := r.Select(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "c", best.Name)
}

func TestShardRouter_NoneAvailable(t *testing.T) {
	disabled := testShard(1, "off", 2, 0)
	disabled.IsEnabled = false

	r := NewShardRouter(newFakeShards(disabled, testShard(2, "full", 1, 1)))

	_, err := r.Select(context.Background(), []string{"git"})
	assert.True(t, errors.Is(err, domain.ErrNoShardAvailable))
}

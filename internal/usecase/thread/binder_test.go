package thread

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
)

type fakePlatform struct {
	domain.HostedPlatform
	known     map[string]bool
	created   int
	getErr    error
	createErr error
}

func (p *fakePlatform) GetThread(_ context.Context, id string) (string, error) {
	if p.getErr != nil {
		return "", p.getErr
	}
	if p.known[id] {
		return id, nil
	}
	return "", fmt.Errorf("thread %s: %w", id, domain.ErrNotFound)
}

func (p *fakePlatform) CreateThread(context.Context) (string, error) {
	if p.createErr != nil {
		return "", p.createErr
	}
	p.created++
	return fmt.Sprintf("thread_%d", p.created), nil
}

func TestBindLocal(t *testing.T) {
	b := NewBinder(nil, 10, logger.Discard())
	th, err := b.Bind(context.Background(), domain.KindSummary, domain.VariantLocal, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.VariantLocal, th.Variant())
	lt, ok := th.(*domain.LocalThread)
	require.True(t, ok)
	assert.Zero(t, lt.Len())
}

func TestBindHosted(t *testing.T) {
	p := &fakePlatform{known: map[string]bool{"t1": true}}
	b := NewBinder(p, 0, logger.Discard())
	ctx := context.Background()

	th, err := b.Bind(ctx, domain.KindResearcher, domain.VariantHosted, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", th.ID())
	assert.Zero(t, p.created, "existing thread reused")

	th, err = b.Bind(ctx, domain.KindResearcher, domain.VariantHosted, "gone")
	require.NoError(t, err)
	assert.Equal(t, "thread_1", th.ID())

	th, err = b.Bind(ctx, domain.KindResearcher, domain.VariantHosted, "")
	require.NoError(t, err)
	assert.Equal(t, "thread_2", th.ID())
	assert.Same(t, p, th.(*domain.HostedThread).Platform())
}

func TestBindHostedFailures(t *testing.T) {
	tests := []struct {
		name     string
		platform domain.HostedPlatform
	}{
		{"no platform", nil},
		{"lookup fails", &fakePlatform{getErr: domain.ErrAuthInvalid}},
		{"create fails", &fakePlatform{createErr: errors.New("connection reset")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBinder(tt.platform, 0, logger.Discard())
			_, err := b.Bind(context.Background(), domain.KindResearcher, domain.VariantHosted, "t1")
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrThreadBind)
			assert.True(t, domain.RetryableOf(err))
		})
	}
}

func TestBindSession(t *testing.T) {
	p := &fakePlatform{known: map[string]bool{"t1": true}}
	b := NewBinder(p, 0, logger.Discard())

	threads, err := b.BindSession(context.Background(), "t1", []Request{
		{Kind: domain.KindPlanner, Variant: domain.VariantLocal},
		{Kind: domain.KindResearcher, Variant: domain.VariantHosted, Shared: true},
		{Kind: domain.KindVisualization, Variant: domain.VariantHosted, Shared: true},
		{Kind: "FILES_AGENT", Variant: domain.VariantHosted},
		{Kind: domain.KindSummary, Variant: domain.VariantLocal},
	})
	require.NoError(t, err)
	require.Len(t, threads, 5)

	assert.Equal(t, "t1", threads[domain.KindResearcher].ID())
	assert.Same(t, threads[domain.KindResearcher], threads[domain.KindVisualization])
	assert.Equal(t, "thread_1", threads["FILES_AGENT"].ID())
	assert.NotSame(t, threads[domain.KindPlanner], threads[domain.KindSummary])
	assert.Equal(t, 1, p.created)
}

func TestBindSessionAborts(t *testing.T) {
	b := NewBinder(&fakePlatform{getErr: domain.ErrAuthInvalid}, 0, logger.Discard())
	_, err := b.BindSession(context.Background(), "t1", []Request{
		{Kind: domain.KindPlanner, Variant: domain.VariantLocal},
		{Kind: domain.KindResearcher, Variant: domain.VariantHosted, Shared: true},
	})
	assert.ErrorIs(t, err, domain.ErrThreadBind)
}

package netguard

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrono-downloader/chrono/internal/config"
)

func TestManagerSharesGuardPerKey(t *testing.T) {
	m := NewManager(&config.Config{})

	g1 := m.Guard("internet_archive")
	g2 := m.Guard("internet_archive")
	g3 := m.Guard("bnf_gallica")

	assert.Same(t, g1, g2)
	assert.NotSame(t, g1, g3)
	assert.Equal(t, 2, m.ActiveGuards())
}

func TestManagerEmptyKeyUsesDefaultGuard(t *testing.T) {
	m := NewManager(&config.Config{})

	assert.Same(t, m.Guard(""), m.Guard("default"))
}

func TestManagerAppliesProviderNetworkOverrides(t *testing.T) {
	cfg := &config.Config{
		ProviderSettings: map[string]config.ProviderSettings{
			"flaky": {
				Network: config.NetworkSettings{BreakerThreshold: 2},
			},
		},
	}
	m := NewManager(cfg)

	flaky := m.Guard("flaky").Breaker
	flaky.RecordFailure()
	flaky.RecordFailure()
	assert.Equal(t, StateOpen, flaky.State(), "provider override threshold is 2")

	def := m.Guard("default").Breaker
	def.RecordFailure()
	def.RecordFailure()
	assert.Equal(t, StateClosed, def.State(), "default threshold is 5")
}

func TestManagerConcurrentGuardCreation(t *testing.T) {
	m := NewManager(&config.Config{})

	const goroutines = 16
	guards := make([]*Guard, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			guards[i] = m.Guard("internet_archive")
		}(i)
	}
	wg.Wait()

	require.NotNil(t, guards[0])
	for i := 1; i < goroutines; i++ {
		assert.Same(t, guards[0], guards[i])
	}
	assert.Equal(t, 1, m.ActiveGuards())
}

func TestBreakerStatesSnapshot(t *testing.T) {
	m := NewManager(&config.Config{})

	m.Guard("a")
	b := m.Guard("b").Breaker
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	states := m.BreakerStates()
	assert.Equal(t, StateClosed, states["a"])
	assert.Equal(t, StateOpen, states["b"])
}

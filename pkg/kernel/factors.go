package kernel

import (
	"context"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/store"
)

// StoreFactors derives the readiness factors from session state:
//
//	L (evidence-confidence): share of planned layers locked behind
//	    recorded verification evidence
//	P (process-compliance): share of delegated tasks that reached
//	    ACCEPTED through the full delegation lifecycle
//	V (verification-completeness): share of execution credit carrying
//	    the VERIFIED_REALITY provenance tag
//
// A session with no layers, tasks, or execution credit scores zero on the
// corresponding factor; nothing demonstrated means nothing ready.
type StoreFactors struct {
	store store.Store
}

// NewStoreFactors creates the default factor source.
func NewStoreFactors(s store.Store) *StoreFactors {
	return &StoreFactors{store: s}
}

// Factors computes L, P, V for the session.
func (f *StoreFactors) Factors(ctx context.Context, sessionID string) (float64, float64, float64, error) {
	layers, err := f.store.ListLayers(ctx, sessionID)
	if err != nil {
		return 0, 0, 0, err
	}
	var l float64
	if len(layers) > 0 {
		locked := 0
		for _, layer := range layers {
			if layer.Status == contracts.LayerLocked {
				locked++
			}
		}
		l = float64(locked) / float64(len(layers))
	}

	var p float64
	total, accepted := 0, 0
	for _, layer := range layers {
		tasks, err := f.store.ListTasks(ctx, layer.ID)
		if err != nil {
			return 0, 0, 0, err
		}
		for _, task := range tasks {
			total++
			if task.Status == contracts.TaskAccepted {
				accepted++
			}
		}
	}
	if total > 0 {
		p = float64(accepted) / float64(total)
	}

	var v float64
	led, err := f.store.GetLedger(ctx, sessionID)
	if err != nil {
		return 0, 0, 0, err
	}
	if led.ExecutionTotal > 0 {
		v = float64(led.VerifiedReality) / float64(led.ExecutionTotal)
	}

	return l, p, v, nil
}

// StaticFactors returns fixed factors, useful in tests and for callers that
// assess the factors out of band.
type StaticFactors struct {
	L, P, V float64
}

// Factors returns the fixed values.
func (f StaticFactors) Factors(ctx context.Context, sessionID string) (float64, float64, float64, error) {
	return f.L, f.P, f.V, nil
}

package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/orchestra/persistence"
	"github.com/BaSui01/orchestra/types"
)

// ApprovalGate turns approval requests into a durable pause. A paused run
// is resumed by editing the saved state (marking the step completed and,
// optionally, adding its output to the context) and running again with the
// same strategy.
type ApprovalGate struct {
	store  persistence.StateStore
	dest   string
	logger *zap.Logger
}

// NewApprovalGate creates a gate persisting to dest. With an empty dest a
// pause is reported but not saved.
func NewApprovalGate(store persistence.StateStore, dest string, logger *zap.Logger) *ApprovalGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalGate{store: store, dest: dest, logger: logger}
}

// Enabled reports whether the gate can persist.
func (g *ApprovalGate) Enabled() bool {
	return g != nil && g.store != nil && g.dest != ""
}

// Pause returns the reason for the pause: the message of the first step
// awaiting approval.
func (g *ApprovalGate) Pause(mgr *ExecutionManager) (stepID, reason string, ok bool) {
	paused := mgr.Paused()
	if len(paused) == 0 {
		return "", "", false
	}
	st, _ := mgr.GetState(paused[0])
	reason = st.Message
	if reason == "" {
		reason = fmt.Sprintf("step %s requires approval", paused[0])
	}
	return paused[0], reason, true
}

// Persist saves a snapshot of the run.
func (g *ApprovalGate) Persist(ctx context.Context, mgr *ExecutionManager) error {
	if !g.Enabled() {
		return nil
	}
	snap := mgr.Snapshot()
	if err := g.store.Save(ctx, g.dest, snap); err != nil {
		return types.NewError(types.ErrStateStore, "failed to persist state").WithCause(err)
	}
	g.logger.Info("state persisted", zap.String("destination", g.dest), zap.Stringer("state", snap))
	return nil
}

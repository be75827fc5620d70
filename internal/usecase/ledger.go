package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
)

// terminalOpTTL expires finished ledger records so a later identical intent
// starts fresh.
const terminalOpTTL = 24 * time.Hour

// Ledger implements domain.OperationLedger over the KV store. Records live
// at op:<instanceId>:<kind>; Begin is atomic so two concurrent identical
// intents collapse into one operation.
type Ledger struct {
	store rediskv.Store
}

// NewLedger builds the ledger.
func NewLedger(store rediskv.Store) *Ledger {
	return &Ledger{store: store}
}

func opKey(instanceID string, kind domain.OperationKind) string {
	return "op:" + instanceID + ":" + string(kind)
}

// beginRoutine: if KEYS[1] holds a record whose state is non-terminal,
// return it; otherwise overwrite with ARGV[1] and return nil.
var beginRoutine = rediskv.Routine{
	Name: "op_begin",
	Lua: `
local cur = redis.call('GET', KEYS[1])
if cur then
  local rec = cjson.decode(cur)
  if rec.state ~= 'completed' and rec.state ~= 'failed' then
    return cur
  end
end
redis.call('SET', KEYS[1], ARGV[1])
return false
`,
	Local: func(ctx context.Context, v rediskv.View, keys []string, args []any) (any, error) {
		cur, ok, err := v.Get(ctx, keys[0])
		if err != nil {
			return nil, err
		}
		if ok {
			var rec domain.Operation
			if err := json.Unmarshal([]byte(cur), &rec); err == nil && !rec.State.IsTerminal() {
				return cur, nil
			}
		}
		fresh, _ := args[0].(string)
		if err := v.Set(ctx, keys[0], fresh, 0); err != nil {
			return nil, err
		}
		return nil, nil
	},
}

// Begin returns the existing non-terminal operation when one exists, else
// records a fresh one.
func (l *Ledger) Begin(ctx context.Context, instanceID string, kind domain.OperationKind) (domain.Operation, bool, error) {
	fresh := domain.Operation{
		ID:          uuid.NewString(),
		InstanceID:  instanceID,
		Kind:        kind,
		State:       domain.OpInitiated,
		InitiatedAt: time.Now(),
	}
	raw, err := json.Marshal(fresh)
	if err != nil {
		return domain.Operation{}, false, fmt.Errorf("op=ledger.Begin: %w", err)
	}
	res, err := l.store.Eval(ctx, beginRoutine, []string{opKey(instanceID, kind)}, string(raw))
	if err != nil {
		return domain.Operation{}, false, fmt.Errorf("op=ledger.Begin: %w", err)
	}
	if res == nil {
		return fresh, true, nil
	}
	existing, ok := res.(string)
	if !ok {
		return fresh, true, nil
	}
	var cur domain.Operation
	if err := json.Unmarshal([]byte(existing), &cur); err != nil {
		return domain.Operation{}, false, fmt.Errorf("op=ledger.Begin: %w", err)
	}
	return cur, false, nil
}

// Get loads the current operation record.
func (l *Ledger) Get(ctx context.Context, instanceID string, kind domain.OperationKind) (domain.Operation, error) {
	raw, ok, err := l.store.Get(ctx, opKey(instanceID, kind))
	if err != nil {
		return domain.Operation{}, fmt.Errorf("op=ledger.Get: %w", err)
	}
	if !ok {
		return domain.Operation{}, fmt.Errorf("op=ledger.Get instance=%s kind=%s: %w", instanceID, kind, domain.ErrNotFound)
	}
	var rec domain.Operation
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.Operation{}, fmt.Errorf("op=ledger.Get: %w", err)
	}
	return rec, nil
}

// Advance moves a live operation to an intermediate state.
func (l *Ledger) Advance(ctx context.Context, instanceID string, kind domain.OperationKind, state domain.OperationState) error {
	rec, err := l.Get(ctx, instanceID, kind)
	if err != nil {
		return err
	}
	now := time.Now()
	rec.State = state
	switch state {
	case domain.OpMonitoring:
		rec.MonitoringAt = &now
	case domain.OpHealthChecking:
		rec.HealthCheckingAt = &now
	}
	return l.write(ctx, rec, 0)
}

// Finish records a terminal state with a retention TTL.
func (l *Ledger) Finish(ctx context.Context, instanceID string, kind domain.OperationKind, state domain.OperationState, errMsg string) error {
	rec, err := l.Get(ctx, instanceID, kind)
	if err != nil {
		return err
	}
	now := time.Now()
	rec.State = state
	rec.FinishedAt = &now
	rec.Error = errMsg
	return l.write(ctx, rec, terminalOpTTL)
}

func (l *Ledger) write(ctx context.Context, rec domain.Operation, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=ledger.write: %w", err)
	}
	if err := l.store.Set(ctx, opKey(rec.InstanceID, rec.Kind), string(raw), ttl); err != nil {
		return fmt.Errorf("op=ledger.write: %w", err)
	}
	return nil
}

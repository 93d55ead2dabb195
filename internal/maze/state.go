package maze

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"shuma/internal/kv"
)

const (
	budgetGlobalActiveKey  = "maze:budget:active:global"
	budgetBucketActivePrefix = "maze:budget:active:bucket:"
	tokenReplayPrefix      = "maze:token:seen:"
	tokenChainPrefix       = "maze:token:chain:"
	checkpointPrefix       = "maze:checkpoint:"
	riskPrefix             = "maze:risk:"
	violationPrefix        = "maze:violation:"
)

const MaxRiskScore = 10
const HighConfidenceEscalationCount = 3

// State wraps a kv.Store with the maze's counters, leases, and chain
// bookkeeping.
type State struct {
	store kv.Store
	now   func() time.Time
}

func NewState(store kv.Store) *State {
	return &State{store: store, now: time.Now}
}

func readInt(ctx context.Context, store kv.Store, key string) (int, error) {
	v, found, err := store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func writeInt(ctx context.Context, store kv.Store, key string, n int) error {
	return store.Set(ctx, key, []byte(strconv.Itoa(n)))
}

// Lease represents an acquired concurrency slot; the caller must call
// Release, typically via defer, once the response is complete.
type Lease struct {
	state    *State
	ipBucket string
	released bool
}

// AcquireLease increments the global and per-bucket active counters,
// rejecting if either is already at its configured cap.
func (s *State) AcquireLease(ctx context.Context, ipBucket string, globalCap, bucketCap int) (*Lease, bool, error) {
	global, err := readInt(ctx, s.store, budgetGlobalActiveKey)
	if err != nil {
		return nil, false, err
	}
	if global >= globalCap {
		return nil, false, nil
	}
	bucketKey := budgetBucketActivePrefix + ipBucket
	bucket, err := readInt(ctx, s.store, bucketKey)
	if err != nil {
		return nil, false, err
	}
	if bucket >= bucketCap {
		return nil, false, nil
	}
	if err := writeInt(ctx, s.store, budgetGlobalActiveKey, global+1); err != nil {
		return nil, false, err
	}
	if err := writeInt(ctx, s.store, bucketKey, bucket+1); err != nil {
		return nil, false, err
	}
	return &Lease{state: s, ipBucket: ipBucket}, true, nil
}

// Release decrements the counters this lease incremented. Safe to call
// more than once.
func (l *Lease) Release(ctx context.Context) {
	if l == nil || l.released {
		return
	}
	l.released = true
	if global, err := readInt(ctx, l.state.store, budgetGlobalActiveKey); err == nil && global > 0 {
		_ = writeInt(ctx, l.state.store, budgetGlobalActiveKey, global-1)
	}
	bucketKey := budgetBucketActivePrefix + l.ipBucket
	if bucket, err := readInt(ctx, l.state.store, bucketKey); err == nil && bucket > 0 {
		_ = writeInt(ctx, l.state.store, bucketKey, bucket-1)
	}
}

// MarkSeen records operation_id as consumed with a Get followed by a Set
// (not atomic: two concurrent requests can both find it absent); returns
// false if it was already present (a replay).
func (s *State) MarkSeen(ctx context.Context, flowId, operationId string) (bool, error) {
	key := tokenReplayPrefix + flowId + ":" + operationId
	_, found, err := s.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}
	if err := s.store.Set(ctx, key, []byte("1")); err != nil {
		return false, err
	}
	return true, nil
}

// AppendChainMarker records that digest has been consumed for flowId, so a
// later node can confirm prev_digest really was issued by this server.
func (s *State) AppendChainMarker(ctx context.Context, flowId, digest string) error {
	return s.store.Set(ctx, tokenChainPrefix+flowId+":"+digest, []byte("1"))
}

// ChainMarkerExists reports whether digest was previously appended for
// flowId.
func (s *State) ChainMarkerExists(ctx context.Context, flowId, digest string) (bool, error) {
	_, found, err := s.store.Get(ctx, tokenChainPrefix+flowId+":"+digest)
	return found, err
}

// Checkpoint is the last recorded progress marker for a flow/bucket pair.
type Checkpoint struct {
	LastTsMs  int64 `json:"last_ts_ms"`
	LastDepth int   `json:"last_depth"`
	ExpiresAt int64 `json:"expires_at"`
}

func (s *State) WriteCheckpoint(ctx context.Context, flowId, ipBucket string, cp Checkpoint) error {
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("maze: marshal checkpoint: %w", err)
	}
	return s.store.Set(ctx, checkpointPrefix+flowId+":"+ipBucket, body)
}

func (s *State) ReadCheckpoint(ctx context.Context, flowId, ipBucket string) (Checkpoint, bool, error) {
	var cp Checkpoint
	v, found, err := s.store.Get(ctx, checkpointPrefix+flowId+":"+ipBucket)
	if err != nil || !found {
		return cp, false, err
	}
	if err := json.Unmarshal(v, &cp); err != nil {
		return cp, false, nil
	}
	return cp, true, nil
}

// HasRecentCheckpoint reports whether a checkpoint exists for this
// flow/bucket and is fresh enough (within maxAgeSeconds and depth gap at
// most maxDepthGap) relative to depth and now.
func (s *State) HasRecentCheckpoint(ctx context.Context, flowId, ipBucket string, depth int, maxDepthGap int, maxAgeSeconds int64, now time.Time) (bool, error) {
	cp, found, err := s.ReadCheckpoint(ctx, flowId, ipBucket)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if now.Unix() > cp.ExpiresAt {
		return false, nil
	}
	if depth-cp.LastDepth > maxDepthGap {
		return false, nil
	}
	if now.UnixMilli()-cp.LastTsMs > maxAgeSeconds*1000 {
		return false, nil
	}
	return true, nil
}

// RecordViolation increments the per-bucket behavior score, capped at
// MaxRiskScore, and reports the new score plus whether escalation to
// Enforce phase should now trigger.
func (s *State) RecordViolation(ctx context.Context, ipBucket string) (score int, escalate bool, err error) {
	score, err = readInt(ctx, s.store, riskPrefix+ipBucket)
	if err != nil {
		return 0, false, err
	}
	score++
	if score > MaxRiskScore {
		score = MaxRiskScore
	}
	if err := writeInt(ctx, s.store, riskPrefix+ipBucket, score); err != nil {
		return 0, false, err
	}

	count, err := readInt(ctx, s.store, violationPrefix+ipBucket)
	if err != nil {
		return score, false, err
	}
	count++
	if err := writeInt(ctx, s.store, violationPrefix+ipBucket, count); err != nil {
		return score, false, err
	}
	return score, count >= HighConfidenceEscalationCount, nil
}

// RiskScore returns the current behavior score for a bucket.
func (s *State) RiskScore(ctx context.Context, ipBucket string) (int, error) {
	return readInt(ctx, s.store, riskPrefix+ipBucket)
}

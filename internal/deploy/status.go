// Package deploy computes environment health snapshots from the recent
// deploy history and verification evidence. Snapshots are cached with a
// short TTL in Redis when available, with an in-process fallback.
package deploy

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/afu9/control-center/internal/errcode"
	"github.com/afu9/control-center/internal/store"
)

// Snapshot statuses.
const (
	StatusGreen  = "GREEN"
	StatusYellow = "YELLOW"
	StatusRed    = "RED"
)

// knownEnvs is the closed set of deployment environments.
var knownEnvs = map[string]bool{
	"production": true,
	"staging":    true,
	"dev":        true,
}

// ValidEnv reports whether env is recognised.
func ValidEnv(env string) bool { return knownEnvs[env] }

// Reason explains a non-GREEN status.
type Reason struct {
	Code     string                 `json:"code"`
	Severity string                 `json:"severity"`
	Message  string                 `json:"message"`
	Evidence map[string]interface{} `json:"evidence,omitempty"`
}

// Snapshot is the deploy status response payload.
type Snapshot struct {
	Env              string                 `json:"env"`
	Status           string                 `json:"status"`
	ObservedAt       time.Time              `json:"observedAt"`
	Reasons          []Reason               `json:"reasons"`
	Signals          map[string]interface{} `json:"signals"`
	StalenessSeconds int                    `json:"stalenessSeconds"`
	SnapshotID       string                 `json:"snapshotId,omitempty"`
	CorrelationID    string                 `json:"correlationId,omitempty"`
}

// Service computes and caches snapshots.
type Service struct {
	ops    store.OpsStore
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Logger
	now    func() time.Time

	mu       sync.Mutex
	fallback map[string]cached
}

type cached struct {
	snap    *Snapshot
	expires time.Time
}

// NewService creates a deploy status service. rdb may be nil; the service
// then caches in process only.
func NewService(ops store.OpsStore, rdb *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Service{
		ops:      ops,
		redis:    rdb,
		ttl:      ttl,
		logger:   log.New(log.Writer(), "[DEPLOY] ", log.LstdFlags),
		now:      time.Now,
		fallback: make(map[string]cached),
	}
}

// Status returns the cached snapshot for env, recomputing on miss.
func (s *Service) Status(ctx context.Context, env, correlationID string) (*Snapshot, error) {
	if !ValidEnv(env) {
		return nil, errcode.Newf(errcode.InvalidEnv, "unknown environment %q", env)
	}

	if snap := s.cacheGet(ctx, env); snap != nil {
		snap.StalenessSeconds = int(s.now().UTC().Sub(snap.ObservedAt).Seconds())
		snap.CorrelationID = correlationID
		return snap, nil
	}

	snap, err := s.compute(ctx, env)
	if err != nil {
		return nil, err
	}
	snap.CorrelationID = correlationID
	s.cacheSet(ctx, env, snap)
	return snap, nil
}

func (s *Service) cacheKey(env string) string { return "afu9:deploy:status:" + env }

func (s *Service) cacheGet(ctx context.Context, env string) *Snapshot {
	if s.redis != nil {
		raw, err := s.redis.Get(ctx, s.cacheKey(env)).Bytes()
		if err == nil {
			var snap Snapshot
			if json.Unmarshal(raw, &snap) == nil {
				return &snap
			}
		} else if err != redis.Nil {
			s.logger.Printf("⚠️ redis get failed, using local cache: %v", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.fallback[env]; ok && s.now().Before(entry.expires) {
		cp := *entry.snap
		return &cp
	}
	return nil
}

func (s *Service) cacheSet(ctx context.Context, env string, snap *Snapshot) {
	if s.redis != nil {
		if raw, err := json.Marshal(snap); err == nil {
			if err := s.redis.Set(ctx, s.cacheKey(env), raw, s.ttl).Err(); err != nil {
				s.logger.Printf("⚠️ redis set failed: %v", err)
			}
		}
	}
	s.mu.Lock()
	s.fallback[env] = cached{snap: snap, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()
}

// compute derives the status from the last hour of deploy events:
// a failed latest deploy is RED, failures behind a recovered deploy are
// YELLOW, silence and success are GREEN.
func (s *Service) compute(ctx context.Context, env string) (*Snapshot, error) {
	now := s.now().UTC()
	deploys, err := s.ops.ListDeploys(ctx, env, now.Add(-1*time.Hour), 50)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Env:        env,
		Status:     StatusGreen,
		ObservedAt: now,
		Reasons:    []Reason{},
		Signals: map[string]interface{}{
			"recentDeploys": len(deploys),
		},
		SnapshotID: uuid.NewString(),
	}

	if len(deploys) == 0 {
		snap.Signals["lastDeployAt"] = nil
		return snap, nil
	}

	latest := deploys[0]
	snap.Signals["lastDeployAt"] = latest.CreatedAt.Format(time.RFC3339)
	snap.Signals["lastDeployStatus"] = latest.Status
	snap.Signals["lastDeployService"] = latest.Service

	failures := 0
	for _, d := range deploys {
		if d.Status == "FAILED" {
			failures++
		}
	}
	snap.Signals["recentFailures"] = failures

	switch {
	case latest.Status == "FAILED":
		snap.Status = StatusRed
		snap.Reasons = append(snap.Reasons, Reason{
			Code:     "LATEST_DEPLOY_FAILED",
			Severity: "critical",
			Message:  "most recent deploy failed",
			Evidence: map[string]interface{}{"deployId": latest.ID, "service": latest.Service},
		})
	case failures > 0:
		snap.Status = StatusYellow
		snap.Reasons = append(snap.Reasons, Reason{
			Code:     "RECENT_DEPLOY_FAILURES",
			Severity: "warning",
			Message:  "failed deploys within the last hour",
			Evidence: map[string]interface{}{"failures": failures},
		})
	case latest.Status == "IN_PROGRESS":
		snap.Status = StatusYellow
		snap.Reasons = append(snap.Reasons, Reason{
			Code:     "DEPLOY_IN_PROGRESS",
			Severity: "info",
			Message:  "deploy currently rolling out",
			Evidence: map[string]interface{}{"deployId": latest.ID},
		})
	}
	return snap, nil
}

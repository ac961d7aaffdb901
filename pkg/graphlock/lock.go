package graphlock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stackrun/stackrun/pkg/engine"
	"github.com/stackrun/stackrun/pkg/stores"
)

// Acquisition results reported to a Recorder.
const (
	ResultAcquired  = "acquired"
	ResultReentered = "reentered"
	ResultExpired   = "expired"
	ResultLocked    = "locked"
	ResultError     = "error"
)

// maxConflictRetries bounds how often a lost compare-and-swap is re-read.
const maxConflictRetries = 10

// Recorder receives lock acquisition results. telemetry.Metrics implements it.
type Recorder interface {
	RecordLockAcquisition(result string)
}

// Options configures a Lock.
type Options struct {
	// Namespace selects the persisted graph.
	Namespace string

	// HolderID identifies this process. Defaults to a random UUID.
	HolderID string

	// TTL lets another holder take over a lock older than this. Zero means
	// locks never expire.
	TTL time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger receives lock lifecycle events.
	Logger zerolog.Logger

	// Recorder is notified of each acquisition attempt. Optional.
	Recorder Recorder
}

// Lock implements the persistent graph locking protocol over a GraphBackend.
// All state lives in the backend; a Lock value holds no lock by itself.
type Lock struct {
	backend   stores.GraphBackend
	namespace string
	holderID  string
	ttl       time.Duration
	now       func() time.Time
	logger    zerolog.Logger
	recorder  Recorder
}

// Token proves a successful Acquire.
type Token struct {
	Namespace  string
	HolderID   string
	AcquiredAt time.Time
}

// New creates a Lock for opts.Namespace.
func New(backend stores.GraphBackend, opts Options) (*Lock, error) {
	if backend == nil {
		return nil, fmt.Errorf("graph lock requires a backend")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("graph lock requires a namespace")
	}
	if opts.TTL < 0 {
		return nil, fmt.Errorf("lock ttl must not be negative, got %s", opts.TTL)
	}
	if opts.HolderID == "" {
		opts.HolderID = uuid.New().String()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Lock{
		backend:   backend,
		namespace: opts.Namespace,
		holderID:  opts.HolderID,
		ttl:       opts.TTL,
		now:       opts.Now,
		logger:    opts.Logger.With().Str("component", "graphlock").Str("namespace", opts.Namespace).Logger(),
		recorder:  opts.Recorder,
	}, nil
}

// HolderID returns the identity written into the lock entry.
func (l *Lock) HolderID() string {
	return l.holderID
}

// Namespace returns the namespace of the persisted graph.
func (l *Lock) Namespace() string {
	return l.namespace
}

// Load reads the persisted graph without taking the lock.
func (l *Lock) Load(ctx context.Context) (*stores.GraphBlob, error) {
	blob, _, err := l.backend.Load(ctx, l.namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to load persistent graph: %w", err)
	}
	return blob, nil
}

// Acquire takes the lock. It succeeds when the graph is unlocked, when the
// existing lock is older than the TTL, or when this holder already owns it.
// Otherwise it returns an ErrGraphLocked error naming the holder; it never
// waits for the lock to be released.
func (l *Lock) Acquire(ctx context.Context) (*Token, error) {
	ctx, span := otel.Tracer("stackrun/graphlock").Start(ctx, "graphlock.acquire")
	defer span.End()
	span.SetAttributes(
		attribute.String("namespace", l.namespace),
		attribute.String("holder_id", l.holderID),
	)

	var result string
	token, err := l.update(ctx, func(blob *stores.GraphBlob) (bool, error) {
		now := l.now().UTC()
		switch {
		case blob.Lock == nil:
			result = ResultAcquired
		case blob.Lock.HolderID == l.holderID:
			result = ResultReentered
		case l.expired(blob.Lock, now):
			result = ResultExpired
			l.logger.Warn().
				Str("previous_holder", blob.Lock.HolderID).
				Time("acquired_at", blob.Lock.AcquiredAt).
				Dur("ttl", l.ttl).
				Msg("Taking over expired graph lock")
		default:
			result = ResultLocked
			return false, engine.NewGraphLockedError(l.namespace, blob.Lock.HolderID)
		}
		blob.Lock = &stores.LockInfo{HolderID: l.holderID, AcquiredAt: now}
		return true, nil
	})
	if err != nil {
		if result != ResultLocked {
			result = ResultError
		}
		l.record(result)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	l.record(result)
	span.SetAttributes(attribute.String("result", result))
	l.logger.Debug().Str("holder_id", l.holderID).Str("result", result).Msg("Graph lock acquired")
	return token, nil
}

// Release clears the lock entry regardless of who holds it.
func (l *Lock) Release(ctx context.Context, token *Token) error {
	_, err := l.update(ctx, func(blob *stores.GraphBlob) (bool, error) {
		if blob.Lock == nil {
			return false, nil
		}
		if token != nil && blob.Lock.HolderID != token.HolderID {
			l.logger.Warn().
				Str("holder_id", blob.Lock.HolderID).
				Str("releaser", token.HolderID).
				Msg("Releasing graph lock held by another holder")
		}
		blob.Lock = nil
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("failed to release graph lock: %w", err)
	}
	l.logger.Debug().Str("holder_id", l.holderID).Msg("Graph lock released")
	return nil
}

// ForceUnlock clears the lock entry and returns the holder it removed, or ""
// when the graph was not locked.
func (l *Lock) ForceUnlock(ctx context.Context) (string, error) {
	var previous string
	_, err := l.update(ctx, func(blob *stores.GraphBlob) (bool, error) {
		if blob.Lock == nil {
			previous = ""
			return false, nil
		}
		previous = blob.Lock.HolderID
		blob.Lock = nil
		return true, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to force unlock graph: %w", err)
	}
	if previous != "" {
		l.logger.Warn().Str("previous_holder", previous).Msg("Graph lock forcibly removed")
	}
	return previous, nil
}

// MergeAndStore writes the edges of this run into the persisted graph.
// Nodes in current replace their persisted entries, persisted nodes absent
// from current are kept, and nodes in removed are dropped together with
// every edge that points at them. Tags are merged over the persisted tags.
// The caller must hold the lock named by token.
func (l *Lock) MergeAndStore(ctx context.Context, token *Token, current engine.EdgeMap, removed []string, tags map[string]string) error {
	if token == nil {
		return fmt.Errorf("merge requires a lock token")
	}

	_, err := l.update(ctx, func(blob *stores.GraphBlob) (bool, error) {
		if blob.Lock == nil || blob.Lock.HolderID != token.HolderID {
			holder := ""
			if blob.Lock != nil {
				holder = blob.Lock.HolderID
			}
			return false, engine.NewGraphLockedError(l.namespace, holder)
		}
		blob.Edges = MergeEdges(blob.Edges, current, removed)
		for k, v := range tags {
			if blob.Tags == nil {
				blob.Tags = make(map[string]string, len(tags))
			}
			blob.Tags[k] = v
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("failed to store persistent graph: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the lock. The lock is released exactly
// once on every path out of fn, including panics, which are re-raised after
// the release. A release failure is combined with fn's error.
func (l *Lock) WithLock(ctx context.Context, fn func(ctx context.Context, token *Token) error) (err error) {
	token, err := l.Acquire(ctx)
	if err != nil {
		return err
	}

	defer func() {
		recovered := recover()
		releaseErr := l.Release(context.WithoutCancel(ctx), token)
		if releaseErr != nil {
			if recovered != nil {
				l.logger.Error().Err(releaseErr).Msg("Failed to release graph lock after panic")
			} else {
				err = multierror.Append(err, releaseErr).ErrorOrNil()
			}
		}
		if recovered != nil {
			panic(recovered)
		}
	}()

	return fn(ctx, token)
}

// MergeEdges returns persisted updated with current and stripped of removed.
// Neither input is modified.
func MergeEdges(persisted, current engine.EdgeMap, removed []string) engine.EdgeMap {
	drop := make(map[string]struct{}, len(removed))
	for _, name := range removed {
		if _, ok := current[name]; !ok {
			drop[name] = struct{}{}
		}
	}

	merged := make(engine.EdgeMap, len(persisted)+len(current))
	for name, deps := range persisted {
		merged[name] = deps
	}
	for name, deps := range current {
		merged[name] = deps
	}

	for name, deps := range merged {
		if _, gone := drop[name]; gone {
			delete(merged, name)
			continue
		}
		kept := make([]string, 0, len(deps))
		for _, dep := range deps {
			if _, gone := drop[dep]; !gone {
				kept = append(kept, dep)
			}
		}
		sort.Strings(kept)
		merged[name] = kept
	}
	return merged
}

// update applies mutate to the persisted graph with compare-and-swap,
// re-reading after a version conflict. mutate returns false to leave the
// graph unchanged; its errors are final.
func (l *Lock) update(ctx context.Context, mutate func(blob *stores.GraphBlob) (bool, error)) (*Token, error) {
	op := func() (*Token, error) {
		blob, version, err := l.backend.Load(ctx, l.namespace)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to load persistent graph: %w", err))
		}
		blob = blob.Clone()

		changed, err := mutate(blob)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if changed {
			if _, err := l.backend.Store(ctx, l.namespace, blob, version); err != nil {
				if errors.Is(err, stores.ErrVersionConflict) {
					l.logger.Debug().Msg("Persistent graph changed concurrently, retrying")
					return nil, err
				}
				return nil, backoff.Permanent(fmt.Errorf("failed to write persistent graph: %w", err))
			}
		}

		token := &Token{Namespace: l.namespace, HolderID: l.holderID}
		if blob.Lock != nil {
			token.AcquiredAt = blob.Lock.AcquiredAt
		}
		return token, nil
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     20 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         500 * time.Millisecond,
	}
	b.Reset()

	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(maxConflictRetries))
}

func (l *Lock) expired(info *stores.LockInfo, now time.Time) bool {
	return l.ttl > 0 && now.Sub(info.AcquiredAt) > l.ttl
}

func (l *Lock) record(result string) {
	if l.recorder != nil {
		l.recorder.RecordLockAcquisition(result)
	}
}

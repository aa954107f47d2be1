package resolver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// DefaultAutomatedActors are actors that may never retract a no_match.
var DefaultAutomatedActors = []string{"system"}

// Options configures a Resolver.
type Options struct {
	// AutomatedActors lists actors treated as automatic matchers. Any other
	// non-empty actor counts as an authorized reviewer.
	AutomatedActors []string
	// Now stamps judgements that arrive without a timestamp.
	Now func() time.Time
}

// Resolver turns judgements into canonical-id clusters. MATCH edges join
// clusters, NO_MATCH edges are hard constraints checked before every join.
// The canonical id of a cluster is its lexicographically smallest member, so
// it only depends on which MATCH edges are in effect.
//
// One Resolver is built at process start and shared by every component that
// needs it; reads take a shared lock and Decide takes an exclusive one.
type Resolver struct {
	mu        sync.RWMutex
	storage   Storage
	logger    ectologger.Logger
	automated map[string]bool
	now       func() time.Time

	latest    map[models.Pair]models.Judgement
	history   []models.Judgement
	matches   map[string]map[string]struct{}
	negatives map[string]map[string]struct{}
	uf        *unionFind
}

// New creates an empty resolver over storage. Call Load before use.
func New(storage Storage, logger ectologger.Logger, opts Options) *Resolver {
	actors := opts.AutomatedActors
	if actors == nil {
		actors = DefaultAutomatedActors
	}
	automated := make(map[string]bool, len(actors))
	for _, a := range actors {
		automated[a] = true
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Resolver{
		storage:   storage,
		logger:    logger,
		automated: automated,
		now:       now,
	}
	r.reset()
	return r
}

func (r *Resolver) reset() {
	r.latest = map[models.Pair]models.Judgement{}
	r.history = nil
	r.matches = map[string]map[string]struct{}{}
	r.negatives = map[string]map[string]struct{}{}
	r.uf = newUnionFind()
}

// Load replays the full judgement history from storage. Recorded judgements
// were checked when they were decided and are applied as they stand, so the
// clusters depend on the history alone and not on the current actor
// configuration. A malformed record is fatal; there is no partial recovery.
func (r *Resolver) Load(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.Load")
	defer span.End()

	history, err := r.storage.History(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to read judgement history")
		return errors.Wrap(err, "failed to load resolver history")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
	for i, j := range history {
		if err := r.replayLocked(j); err != nil {
			r.reset()
			return errors.Wrapf(err, "judgement history is inconsistent at record %d", i+1)
		}
	}
	metrics.Clusters.Set(float64(r.uf.multiClusters()))

	index, err := r.storage.LoadIndex(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load resolver index")
	}
	if !r.indexMatches(index) {
		r.logger.WithContext(ctx).Warn("Resolver index is out of date, rebuilding from history")
		if err := r.storage.SaveIndex(ctx, r.indexLocked()); err != nil {
			return errors.Wrap(err, "failed to rebuild resolver index")
		}
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"judgements": len(r.history),
		"clusters":   r.uf.multiClusters(),
	}).Info("Loaded resolver")
	return nil
}

// Save writes the derived canonical index. History is written as judgements
// are applied, so Save never loses decisions.
func (r *Resolver) Save(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.Save")
	defer span.End()

	r.mu.RLock()
	index := r.indexLocked()
	r.mu.RUnlock()

	if err := r.storage.SaveIndex(ctx, index); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to save resolver index")
		return errors.Wrap(err, "failed to save resolver index")
	}
	return nil
}

// Close saves the index and releases the storage.
func (r *Resolver) Close(ctx context.Context) error {
	if err := r.Save(ctx); err != nil {
		return err
	}
	return r.storage.Close()
}

// GetCanonical returns the canonical id of the cluster containing id, or id
// itself when no judgement mentions it.
func (r *Resolver) GetCanonical(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.uf.canonical(id)
}

// Connected returns every id in the cluster of id, sorted.
func (r *Resolver) Connected(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.uf.cluster(id)
}

// GetJudgement returns the judgement currently in effect between two ids.
func (r *Resolver) GetJudgement(a, b string) (models.Judgement, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.latest[models.MakePair(a, b)]
	return j, ok
}

// Judgements returns the applied judgement history in order.
func (r *Resolver) Judgements() []models.Judgement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.Judgement(nil), r.history...)
}

// Canonicals maps every id mentioned by a judgement to its canonical id.
func (r *Resolver) Canonicals() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexLocked()
}

func (r *Resolver) indexLocked() map[string]string {
	index := make(map[string]string, len(r.uf.parent))
	for id := range r.uf.parent {
		index[id] = r.uf.canonical(id)
	}
	return index
}

func (r *Resolver) indexMatches(index map[string]string) bool {
	if len(index) != len(r.uf.parent) {
		return false
	}
	for id, canonical := range index {
		if r.uf.canonical(id) != canonical {
			return false
		}
	}
	return true
}

// IsAuthorized reports whether actor may retract a no_match.
func (r *Resolver) IsAuthorized(actor string) bool {
	return actor != "" && !r.automated[actor]
}

// Decide records a judgement and reports whether it changed the resolver.
//
// A judgement older than the one in effect for the pair, or repeating its
// verdict, is not applied. A no_match can only be replaced by a later
// judgement from an authorized actor; a match that breaks that rule, or that
// would join two clusters separated by any no_match, fails with a
// ConflictError and is not applied. A no_match between ids that stay connected
// through other matches fails the same way.
func (r *Resolver) Decide(ctx context.Context, j models.Judgement) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.Decide")
	defer span.End()

	if j.Timestamp.IsZero() {
		j.Timestamp = r.now()
	}
	j.Timestamp = j.Timestamp.UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	applied, err := r.decideLocked(ctx, j)
	switch {
	case errors.IsConflictError(err):
		metrics.JudgementsTotal.WithLabelValues(string(j.Verdict), "conflict").Inc()
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"left":    j.Left,
			"right":   j.Right,
			"verdict": j.Verdict,
			"actor":   j.Actor,
		}).Warn("Judgement rejected for review")
	case err != nil:
		tracing.RecordError(ctx, err)
	case applied:
		metrics.JudgementsTotal.WithLabelValues(string(j.Verdict), "applied").Inc()
		metrics.Clusters.Set(float64(r.uf.multiClusters()))
	default:
		metrics.JudgementsTotal.WithLabelValues(string(j.Verdict), "ignored").Inc()
	}
	return applied, err
}

func (r *Resolver) decideLocked(ctx context.Context, j models.Judgement) (bool, error) {
	if err := validateJudgement(j); err != nil {
		return false, err
	}
	pair := j.Pair()
	prev, hasPrev := r.latest[pair]

	if hasPrev {
		if j.Timestamp.Before(prev.Timestamp) {
			return false, nil
		}
		if prev.Verdict == j.Verdict {
			return false, nil
		}
		if prev.Verdict == models.VerdictNoMatch {
			retractable := r.IsAuthorized(j.Actor) && j.Timestamp.After(prev.Timestamp)
			if !retractable {
				if j.Verdict == models.VerdictMatch {
					return false, &errors.ConflictError{
						Left: j.Left, Right: j.Right, Verdict: string(j.Verdict), Actor: j.Actor,
						Blocking: [2]string{pair.A, pair.B},
						Reason:   "pair was judged no_match and only a later judgement by an authorized actor can retract it",
					}
				}
				r.logger.WithContext(ctx).WithFields(map[string]any{
					"left":  j.Left,
					"right": j.Right,
					"actor": j.Actor,
				}).Warn("Ignoring unauthorized retraction of no_match")
				return false, nil
			}
		}
	}

	switch j.Verdict {
	case models.VerdictMatch:
		if blockA, blockB, blocked := r.blockedMerge(j.Left, j.Right, pair); blocked {
			return false, &errors.ConflictError{
				Left: j.Left, Right: j.Right, Verdict: string(j.Verdict), Actor: j.Actor,
				Blocking: [2]string{blockA, blockB},
				Reason:   "merge would join ids separated by no_match",
			}
		}
	case models.VerdictNoMatch:
		if r.connectedWithout(j.Left, j.Right, pair) {
			return false, &errors.ConflictError{
				Left: j.Left, Right: j.Right, Verdict: string(j.Verdict), Actor: j.Actor,
				Reason: "ids are connected through other matches, split the cluster first",
			}
		}
	}

	if err := r.storage.Append(ctx, j); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to persist judgement")
		return false, errors.Wrap(err, "failed to persist judgement")
	}
	r.apply(j, prev, hasPrev)
	return true, nil
}

// replayLocked applies a judgement read back from storage.
func (r *Resolver) replayLocked(j models.Judgement) error {
	if err := validateJudgement(j); err != nil {
		return err
	}
	prev, hasPrev := r.latest[j.Pair()]
	if hasPrev && (j.Timestamp.Before(prev.Timestamp) || prev.Verdict == j.Verdict) {
		return nil
	}
	r.apply(j, prev, hasPrev)
	return nil
}

func validateJudgement(j models.Judgement) error {
	switch {
	case j.Left == "" || j.Right == "":
		return errors.NewValidationError("judgement needs two entity ids")
	case j.Left == j.Right:
		return errors.NewValidationErrorf("cannot judge entity %s against itself", j.Left)
	case j.Actor == "":
		return errors.NewValidationError("judgement needs an actor")
	}
	if _, ok := models.ParseVerdict(string(j.Verdict)); !ok {
		return errors.NewValidationErrorf("unknown verdict %q", j.Verdict)
	}
	return nil
}

// blockedMerge finds a no_match between the clusters of a and b, ignoring
// the judged pair itself.
func (r *Resolver) blockedMerge(a, b string, ignore models.Pair) (string, string, bool) {
	ra, rb := r.uf.find(a), r.uf.find(b)
	if r.uf.has(a) && r.uf.has(b) && ra == rb {
		return "", "", false
	}
	small, other := a, rb
	if r.uf.size(a) > r.uf.size(b) {
		small, other = b, ra
	}
	for _, member := range r.uf.cluster(small) {
		for neighbor := range r.negatives[member] {
			if models.MakePair(member, neighbor) == ignore {
				continue
			}
			if r.uf.find(neighbor) == other {
				return member, neighbor, true
			}
		}
	}
	return "", "", false
}

// connectedWithout reports whether a and b would stay in one cluster without
// a direct match edge between them.
func (r *Resolver) connectedWithout(a, b string, pair models.Pair) bool {
	if !r.uf.has(a) || !r.uf.has(b) || r.uf.find(a) != r.uf.find(b) {
		return false
	}
	seen := map[string]bool{a: true}
	queue := []string{a}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range r.matches[cur] {
			if models.MakePair(cur, next) == pair || seen[next] {
				continue
			}
			if next == b {
				return true
			}
			seen[next] = true
			queue = append(queue, next)
		}
	}
	return false
}

func (r *Resolver) apply(j models.Judgement, prev models.Judgement, hasPrev bool) {
	rebuild := false
	if hasPrev {
		switch prev.Verdict {
		case models.VerdictMatch:
			removeEdge(r.matches, prev.Left, prev.Right)
			rebuild = true
		case models.VerdictNoMatch:
			removeEdge(r.negatives, prev.Left, prev.Right)
		}
	}

	r.uf.add(j.Left)
	r.uf.add(j.Right)
	switch j.Verdict {
	case models.VerdictMatch:
		addEdge(r.matches, j.Left, j.Right)
		if !rebuild {
			r.uf.union(j.Left, j.Right)
		}
	case models.VerdictNoMatch:
		addEdge(r.negatives, j.Left, j.Right)
	}
	if rebuild {
		r.rebuild()
	}

	r.latest[j.Pair()] = j
	r.history = append(r.history, j)
}

// rebuild recomputes clusters from the match edges in effect. Needed after a
// match is superseded because union-find cannot split.
func (r *Resolver) rebuild() {
	uf := newUnionFind()
	for id := range r.uf.parent {
		uf.add(id)
	}
	ids := make([]string, 0, len(r.matches))
	for id := range r.matches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for other := range r.matches[id] {
			uf.union(id, other)
		}
	}
	r.uf = uf
}

// Explode splits the cluster of id back into single entities by recording an
// unsure judgement over every match edge in it. Returns the number of edges
// removed.
func (r *Resolver) Explode(ctx context.Context, id, actor string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.Explode")
	defer span.End()

	r.mu.RLock()
	var edges []models.Pair
	for _, member := range r.uf.cluster(id) {
		for other := range r.matches[member] {
			if member < other {
				edges = append(edges, models.MakePair(member, other))
			}
		}
	}
	r.mu.RUnlock()

	sort.Slice(edges, func(i, k int) bool { return edges[i].String() < edges[k].String() })
	removed := 0
	for _, edge := range edges {
		applied, err := r.Decide(ctx, models.Judgement{
			Left:    edge.A,
			Right:   edge.B,
			Verdict: models.VerdictUnsure,
			Actor:   actor,
		})
		if err != nil {
			return removed, err
		}
		if applied {
			removed++
		}
	}
	return removed, nil
}

func addEdge(edges map[string]map[string]struct{}, a, b string) {
	if edges[a] == nil {
		edges[a] = map[string]struct{}{}
	}
	if edges[b] == nil {
		edges[b] = map[string]struct{}{}
	}
	edges[a][b] = struct{}{}
	edges[b][a] = struct{}{}
}

func removeEdge(edges map[string]map[string]struct{}, a, b string) {
	delete(edges[a], b)
	delete(edges[b], a)
	if len(edges[a]) == 0 {
		delete(edges, a)
	}
	if len(edges[b]) == 0 {
		delete(edges, b)
	}
}

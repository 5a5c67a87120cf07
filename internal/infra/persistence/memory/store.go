// Package memory provides the in-memory transactional template store used by
// tests, ephemeral sessions and as the working set of the durable backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"prefabcore/pkg/dom"
	"prefabcore/pkg/domain"
	"prefabcore/pkg/patch"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Template aliases domain.Template.
	Template = domain.Template
	// Link aliases domain.Link.
	Link = domain.Link
	// TemplateID aliases domain.TemplateID.
	TemplateID = domain.TemplateID
	// LinkID aliases domain.LinkID.
	LinkID = domain.LinkID
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// memoryState holds immutable document values: every write stores a fresh
// clone, so cloning the state only copies the maps.
type memoryState struct {
	templates      map[TemplateID]Template
	links          map[LinkID]Link
	paths          map[string]TemplateID
	nextTemplateID TemplateID
	nextLinkID     LinkID
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Templates      map[TemplateID]Template `json:"templates"`
	Links          map[LinkID]Link         `json:"links"`
	NextTemplateID TemplateID              `json:"next_template_id"`
	NextLinkID     LinkID                  `json:"next_link_id"`
}

func newMemoryState() memoryState {
	return memoryState{
		templates: make(map[TemplateID]Template),
		links:     make(map[LinkID]Link),
		paths:     make(map[string]TemplateID),
	}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		templates:      make(map[TemplateID]Template, len(s.templates)),
		links:          make(map[LinkID]Link, len(s.links)),
		paths:          make(map[string]TemplateID, len(s.paths)),
		nextTemplateID: s.nextTemplateID,
		nextLinkID:     s.nextLinkID,
	}
	for k, v := range s.templates {
		out.templates[k] = v
	}
	for k, v := range s.links {
		out.links[k] = v
	}
	for k, v := range s.paths {
		out.paths[k] = v
	}
	return out
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Templates:      make(map[TemplateID]Template, len(state.templates)),
		Links:          make(map[LinkID]Link, len(state.links)),
		NextTemplateID: state.nextTemplateID,
		NextLinkID:     state.nextLinkID,
	}
	for k, v := range state.templates {
		s.Templates[k] = v.Clone()
	}
	for k, v := range state.links {
		s.Links[k] = v.Clone()
	}
	return s
}

// memoryStateFromSnapshot rebuilds the path index and repairs counters and
// dangling links so a hand-edited or truncated snapshot still loads.
func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	state.nextTemplateID = s.NextTemplateID
	state.nextLinkID = s.NextLinkID
	for id, t := range s.Templates {
		if !id.Valid() {
			continue
		}
		t = t.Clone()
		t.ID = id
		t.Path = domain.NormalizePath(t.Path)
		t.Dependents, t.Nested = nil, nil
		state.templates[id] = t
		if t.Path != "" {
			state.paths[t.Path] = id
		}
		if id > state.nextTemplateID {
			state.nextTemplateID = id
		}
	}
	for id, l := range s.Links {
		if !id.Valid() {
			continue
		}
		if _, ok := state.templates[l.Source]; !ok {
			continue
		}
		if _, ok := state.templates[l.Target]; !ok {
			continue
		}
		l = l.Clone()
		l.ID = id
		state.links[id] = l
		if id > state.nextLinkID {
			state.nextLinkID = id
		}
	}
	return state
}

func (s *memoryState) linksFrom(source TemplateID) []Link {
	var out []Link
	for _, l := range s.links {
		if l.Source == source {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// nestingPath returns the templates from from to to following links, or nil
// when from does not nest to.
func (s *memoryState) nestingPath(from, to TemplateID) []TemplateID {
	seen := map[TemplateID]struct{}{from: {}}
	var walk func(id TemplateID) []TemplateID
	walk = func(id TemplateID) []TemplateID {
		if id == to {
			return []TemplateID{id}
		}
		for _, l := range s.linksFrom(id) {
			if _, ok := seen[l.Target]; ok {
				continue
			}
			seen[l.Target] = struct{}{}
			if rest := walk(l.Target); rest != nil {
				return append([]TemplateID{id}, rest...)
			}
		}
		return nil
	}
	return walk(from)
}

func (s *memoryState) linksTo(target TemplateID) []Link {
	var out []Link
	for _, l := range s.links {
		if l.Target == target {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memoryState) linkByAlias(source TemplateID, alias domain.InstanceAlias) (Link, bool) {
	for _, l := range s.links {
		if l.Source == source && l.Alias == alias {
			return l, true
		}
	}
	return Link{}, false
}

// decorateTemplate fills the derived link sets and detaches the document.
func decorateTemplate(state *memoryState, t Template) Template {
	out := t.Clone()
	out.Dependents, out.Nested = nil, nil
	for _, l := range state.linksTo(t.ID) {
		out.Dependents = append(out.Dependents, l.ID)
	}
	for _, l := range state.linksFrom(t.ID) {
		out.Nested = append(out.Nested, l.ID)
	}
	domain.SortLinkIDs(out.Nested)
	return out
}

// Store provides an in-memory transactional store for templates and links.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc overrides the time provider, mainly for deterministic tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// GetTemplate returns a template by handle.
func (s *Store) GetTemplate(id TemplateID) (Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).FindTemplate(id)
}

// GetTemplateByPath returns the template registered under path.
func (s *Store) GetTemplateByPath(path string) (Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).FindTemplateByPath(path)
}

// GetLink returns a link by handle.
func (s *Store) GetLink(id LinkID) (Link, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).FindLink(id)
}

// ListTemplates returns every template ordered by handle.
func (s *Store) ListTemplates() []Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListTemplates()
}

// ListLinks returns every link ordered by handle.
func (s *Store) ListLinks() []Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListLinks()
}

// transactionView exposes a read-only snapshot of the transactional state.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) transactionView {
	return transactionView{state: state}
}

// ListTemplates returns all templates within the snapshot ordered by handle.
func (v transactionView) ListTemplates() []Template {
	out := make([]Template, 0, len(v.state.templates))
	for _, t := range v.state.templates {
		out = append(out, decorateTemplate(v.state, t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListLinks returns all links within the snapshot ordered by handle.
func (v transactionView) ListLinks() []Link {
	out := make([]Link, 0, len(v.state.links))
	for _, l := range v.state.links {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindTemplate looks up a template by handle.
func (v transactionView) FindTemplate(id TemplateID) (Template, bool) {
	t, ok := v.state.templates[id]
	if !ok {
		return Template{}, false
	}
	return decorateTemplate(v.state, t), true
}

// FindTemplateByPath looks up a template by normalized source path.
func (v transactionView) FindTemplateByPath(path string) (Template, bool) {
	norm := domain.NormalizePath(path)
	if norm == "" {
		return Template{}, false
	}
	id, ok := v.state.paths[norm]
	if !ok {
		return Template{}, false
	}
	return v.FindTemplate(id)
}

// FindLink looks up a link by handle.
func (v transactionView) FindLink(id LinkID) (Link, bool) {
	l, ok := v.state.links[id]
	if !ok {
		return Link{}, false
	}
	return l.Clone(), true
}

// FindLinkByAlias looks up the link owned by source at alias.
func (v transactionView) FindLinkByAlias(source TemplateID, alias domain.InstanceAlias) (Link, bool) {
	l, ok := v.state.linkByAlias(source, alias)
	if !ok {
		return Link{}, false
	}
	return l.Clone(), true
}

// LinksFrom returns the links owned by source, sorted by alias.
func (v transactionView) LinksFrom(source TemplateID) []Link {
	links := v.state.linksFrom(source)
	for i := range links {
		links[i] = links[i].Clone()
	}
	return links
}

// LinksTo returns the links targeting target, sorted by handle.
func (v transactionView) LinksTo(target TemplateID) []Link {
	links := v.state.linksTo(target)
	for i := range links {
		links[i] = links[i].Clone()
	}
	return links
}

// transaction represents a mutation set applied to the store state.
type transaction struct {
	transactionView
	store   *Store
	state   *memoryState
	changes []Change
	now     time.Time
}

// RunInTransaction executes fn within a transactional copy of the store state.
// Nothing is committed when fn fails or a rule reports a blocking violation.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.state.clone()
	tx := &transaction{
		transactionView: newTransactionView(&state),
		store:           s,
		state:           &state,
		now:             s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, tx.transactionView, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return tx.transactionView
}

// Changes returns the changes recorded so far in this transaction.
func (tx *transaction) Changes() []Change {
	return append([]Change(nil), tx.changes...)
}

func normalizeDocument(doc dom.Value) (dom.Value, error) {
	norm, err := dom.Normalize(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidDocument, err)
	}
	if _, ok := dom.AsObject(norm); !ok {
		return nil, fmt.Errorf("%w: document is %s, not an object", domain.ErrInvalidDocument, dom.KindOf(norm))
	}
	return norm, nil
}

// CreateTemplate registers a new template. A nil document yields an empty
// template document for path.
func (tx *transaction) CreateTemplate(path string, doc dom.Value) (Template, error) {
	norm := domain.NormalizePath(path)
	if norm != "" {
		if existing, ok := tx.state.paths[norm]; ok {
			return Template{}, fmt.Errorf("%w: %q is template %s", domain.ErrDuplicatePath, norm, existing)
		}
	}
	if doc == nil {
		doc = domain.NewTemplateDOM(norm)
	}
	value, err := normalizeDocument(doc)
	if err != nil {
		return Template{}, err
	}
	tx.state.nextTemplateID++
	t := Template{
		ID:        tx.state.nextTemplateID,
		Path:      norm,
		DOM:       value,
		CreatedAt: tx.now,
		UpdatedAt: tx.now,
	}
	tx.state.templates[t.ID] = t
	if norm != "" {
		tx.state.paths[norm] = t.ID
	}
	tx.recordChange(Change{Entity: domain.EntityTemplate, Action: domain.ActionCreate, After: t.Clone()})
	return decorateTemplate(tx.state, t), nil
}

func (tx *transaction) storeTemplateDOM(current Template, doc dom.Value) Template {
	before := current.Clone()
	current.DOM = doc
	current.UpdatedAt = tx.now
	tx.state.templates[current.ID] = current
	tx.recordChange(Change{Entity: domain.EntityTemplate, Action: domain.ActionUpdate, Before: before, After: current.Clone()})
	return current
}

// ReplaceTemplateDOM swaps the template document wholesale.
func (tx *transaction) ReplaceTemplateDOM(id TemplateID, doc dom.Value) (Template, error) {
	current, ok := tx.state.templates[id]
	if !ok {
		return Template{}, domain.TemplateNotFound(id)
	}
	value, err := normalizeDocument(doc)
	if err != nil {
		return Template{}, err
	}
	return decorateTemplate(tx.state, tx.storeTemplateDOM(current, value)), nil
}

// PatchTemplate applies p to a scratch copy of the template document and
// stores the result only when every operation succeeds.
func (tx *transaction) PatchTemplate(id TemplateID, p patch.Patch) (Template, error) {
	current, ok := tx.state.templates[id]
	if !ok {
		return Template{}, domain.TemplateNotFound(id)
	}
	next, err := patch.ApplyCopy(current.DOM, p)
	if err != nil {
		return Template{}, fmt.Errorf("patch template %s: %w", id, err)
	}
	if _, ok := dom.AsObject(next); !ok {
		return Template{}, fmt.Errorf("%w: patch leaves template %s as %s", domain.ErrInvalidDocument, id, dom.KindOf(next))
	}
	return decorateTemplate(tx.state, tx.storeTemplateDOM(current, next)), nil
}

// SetDirty flags or clears a template's dirty marker.
func (tx *transaction) SetDirty(id TemplateID, dirty bool) error {
	current, ok := tx.state.templates[id]
	if !ok {
		return domain.TemplateNotFound(id)
	}
	if current.Dirty == dirty {
		return nil
	}
	before := current.Clone()
	current.Dirty = dirty
	tx.state.templates[id] = current
	tx.recordChange(Change{Entity: domain.EntityTemplate, Action: domain.ActionUpdate, Before: before, After: current.Clone()})
	return nil
}

// DeleteTemplate removes a template and the links it owns. It fails with
// ErrTemplateInUse while another template nests it.
func (tx *transaction) DeleteTemplate(id TemplateID) error {
	current, ok := tx.state.templates[id]
	if !ok {
		return domain.TemplateNotFound(id)
	}
	if dependents := tx.state.linksTo(id); len(dependents) > 0 {
		return fmt.Errorf("%w: template %s is nested by template %s at %q", domain.ErrTemplateInUse, id, dependents[0].Source, dependents[0].Alias)
	}
	for _, l := range tx.state.linksFrom(id) {
		delete(tx.state.links, l.ID)
		tx.recordChange(Change{Entity: domain.EntityLink, Action: domain.ActionDelete, Before: l.Clone()})
	}
	delete(tx.state.templates, id)
	if current.Path != "" {
		delete(tx.state.paths, current.Path)
	}
	tx.recordChange(Change{Entity: domain.EntityTemplate, Action: domain.ActionDelete, Before: current.Clone()})
	return nil
}

// CreateLink stores a new link and syncs its nested instance region. An
// empty alias is replaced by the smallest free generated alias.
func (tx *transaction) CreateLink(link Link) (Link, error) {
	if !link.Source.Valid() || !link.Target.Valid() {
		return Link{}, fmt.Errorf("%w: link requires source and target templates", domain.ErrInvalidID)
	}
	if _, ok := tx.state.templates[link.Source]; !ok {
		return Link{}, domain.TemplateNotFound(link.Source)
	}
	if _, ok := tx.state.templates[link.Target]; !ok {
		return Link{}, domain.TemplateNotFound(link.Target)
	}
	if link.Source == link.Target {
		return Link{}, fmt.Errorf("%w: template %s cannot nest itself", domain.ErrCycle, link.Source)
	}
	if path := tx.state.nestingPath(link.Target, link.Source); path != nil {
		return Link{}, fmt.Errorf("%w: template %s already nests template %s via %v", domain.ErrCycle, link.Target, link.Source, path)
	}
	if link.Alias == "" {
		link.Alias = domain.GenerateAlias(func(alias domain.InstanceAlias) bool {
			_, taken := tx.state.linkByAlias(link.Source, alias)
			return taken
		})
	}
	if existing, ok := tx.state.linkByAlias(link.Source, link.Alias); ok {
		return Link{}, fmt.Errorf("link %s: %w", existing.ID, domain.AliasCollisionError{Owner: "template " + link.Source.String(), Alias: link.Alias})
	}
	if _, taken := tx.state.links[link.ID]; !link.ID.Valid() || taken {
		tx.state.nextLinkID++
		link.ID = tx.state.nextLinkID
	} else if link.ID > tx.state.nextLinkID {
		tx.state.nextLinkID = link.ID
	}
	link.Patch = link.Patch.Clone()
	tx.state.links[link.ID] = link
	tx.recordChange(Change{Entity: domain.EntityLink, Action: domain.ActionCreate, After: link.Clone()})
	if err := tx.SyncLinkRegion(link.ID); err != nil {
		return Link{}, err
	}
	return link.Clone(), nil
}

// UpdateLinkPatch replaces the link's patch and re-syncs its region.
func (tx *transaction) UpdateLinkPatch(id LinkID, p patch.Patch) (Link, error) {
	current, ok := tx.state.links[id]
	if !ok {
		return Link{}, domain.LinkNotFound(id)
	}
	before := current.Clone()
	current.Patch = p.Clone()
	tx.state.links[id] = current
	tx.recordChange(Change{Entity: domain.EntityLink, Action: domain.ActionUpdate, Before: before, After: current.Clone()})
	if err := tx.SyncLinkRegion(id); err != nil {
		return Link{}, err
	}
	return current.Clone(), nil
}

// DeleteLink removes a link and its nested instance region.
func (tx *transaction) DeleteLink(id LinkID) error {
	current, ok := tx.state.links[id]
	if !ok {
		return domain.LinkNotFound(id)
	}
	delete(tx.state.links, id)
	tx.recordChange(Change{Entity: domain.EntityLink, Action: domain.ActionDelete, Before: current.Clone()})
	if source, ok := tx.state.templates[current.Source]; ok {
		if _, present := domain.InstanceRegion(source.DOM, current.Alias); present {
			next := dom.Clone(source.DOM)
			domain.RemoveInstanceRegion(next, current.Alias)
			tx.storeTemplateDOM(source, next)
		}
	}
	return nil
}

// SyncLinkRegion rewrites /Instances/<alias> of the link's source document
// with the target document patched by the link. No change is recorded when
// the region is already current.
func (tx *transaction) SyncLinkRegion(id LinkID) error {
	link, ok := tx.state.links[id]
	if !ok {
		return domain.LinkNotFound(id)
	}
	source, ok := tx.state.templates[link.Source]
	if !ok {
		return domain.TemplateNotFound(link.Source)
	}
	target, ok := tx.state.templates[link.Target]
	if !ok {
		return domain.TemplateNotFound(link.Target)
	}
	region, err := patch.ApplyCopy(target.DOM, link.Patch)
	if err != nil {
		return fmt.Errorf("link %s (%q in template %s): %w", id, link.Alias, link.Source, err)
	}
	if _, ok := dom.AsObject(region); !ok {
		return fmt.Errorf("link %s: %w: patched region is %s", id, domain.ErrPatchFailed, dom.KindOf(region))
	}
	if existing, ok := domain.InstanceRegion(source.DOM, link.Alias); ok && dom.Equal(existing, region) {
		return nil
	}
	next := dom.Clone(source.DOM)
	if err := domain.SetInstanceRegion(next, link.Alias, region); err != nil {
		return fmt.Errorf("link %s: %w", id, err)
	}
	tx.storeTemplateDOM(source, next)
	return nil
}

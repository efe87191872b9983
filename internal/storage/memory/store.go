package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relves/vaultcore/internal/storage"
	"github.com/relves/vaultcore/pkg/types"
)

// Store is an in-memory storage.Backend for tests and local development.
// Everything is guarded by a single RWMutex; callers needing per-aggregate
// serialization layer it on top, as the sweep scheduler does.
type Store struct {
	mu           sync.RWMutex
	vaults       map[string]*types.Vault
	parties      map[string]*types.Party
	fragments    map[string][]*types.SecretFragment          // vaultID -> fragments
	attestations map[string]*types.GuardianAttestation       // vaultID/guardianID -> attestation
	events       map[string]*types.DeathVerificationEvent    // eventID -> event
	verification map[string]*types.UserVerification          // userID -> state
	sourceHealth map[string]*types.SourceHealth              // userID/source -> health
	directives   map[string]*types.ReleaseDirective          // directiveID -> directive
	lastErrors   map[string]string                           // kind/aggregateID -> message
}

// New returns an empty in-memory backend.
func New() *Store {
	return &Store{
		vaults:       make(map[string]*types.Vault),
		parties:      make(map[string]*types.Party),
		fragments:    make(map[string][]*types.SecretFragment),
		attestations: make(map[string]*types.GuardianAttestation),
		events:       make(map[string]*types.DeathVerificationEvent),
		verification: make(map[string]*types.UserVerification),
		sourceHealth: make(map[string]*types.SourceHealth),
		directives:   make(map[string]*types.ReleaseDirective),
		lastErrors:   make(map[string]string),
	}
}

var _ storage.Backend = (*Store)(nil)

func (s *Store) Close() error { return nil }

func compositeKey(a, b string) string { return a + "/" + b }

// --- VaultStore ---

func (s *Store) CreateVault(_ context.Context, v *types.Vault) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.vaults[v.ID]; exists {
		return fmt.Errorf("vault %s already exists", v.ID)
	}
	cp := *v
	s.vaults[v.ID] = &cp
	return nil
}

func (s *Store) GetVault(_ context.Context, id string) (*types.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vaults[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *Store) UpdateVault(_ context.Context, v *types.Vault) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vaults[v.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *v
	s.vaults[v.ID] = &cp
	return nil
}

func (s *Store) ListVaultsByOwner(_ context.Context, ownerID string) ([]*types.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Vault
	for _, v := range s.vaults {
		if v.OwnerID == ownerID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sortVaults(out)
	return out, nil
}

func (s *Store) ListLiveVaults(_ context.Context) ([]*types.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Vault
	for _, v := range s.vaults {
		if v.Status.Live() {
			cp := *v
			out = append(out, &cp)
		}
	}
	sortVaults(out)
	return out, nil
}

func (s *Store) ListTriggeredVaultsWithoutDirective(_ context.Context) ([]*types.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	withDirective := make(map[string]bool, len(s.directives))
	for _, d := range s.directives {
		withDirective[d.VaultID] = true
	}
	var out []*types.Vault
	for _, v := range s.vaults {
		if v.Status == types.StatusTriggered && !withDirective[v.ID] {
			cp := *v
			out = append(out, &cp)
		}
	}
	sortVaults(out)
	return out, nil
}

func sortVaults(vs []*types.Vault) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].ID < vs[j].ID })
}

// --- PartyStore ---

func (s *Store) CreateParty(_ context.Context, p *types.Party) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.parties[p.ID]; exists {
		return fmt.Errorf("party %s already exists", p.ID)
	}
	cp := *p
	s.parties[p.ID] = &cp
	return nil
}

func (s *Store) GetParty(_ context.Context, id string) (*types.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parties[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) UpdateParty(_ context.Context, p *types.Party) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parties[p.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *p
	s.parties[p.ID] = &cp
	return nil
}

func (s *Store) ListParties(_ context.Context, vaultID string) ([]*types.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Party
	for _, p := range s.parties {
		if p.VaultID == vaultID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- FragmentStore ---

func (s *Store) PutFragments(_ context.Context, vaultID string, frags []*types.SecretFragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.fragments[vaultID]; exists {
		return fmt.Errorf("fragments for vault %s already exist", vaultID)
	}
	cp := make([]*types.SecretFragment, len(frags))
	for i, f := range frags {
		fc := *f
		cp[i] = &fc
	}
	s.fragments[vaultID] = cp
	return nil
}

func (s *Store) GetFragments(_ context.Context, vaultID string) ([]*types.SecretFragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	frags, ok := s.fragments[vaultID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]*types.SecretFragment, len(frags))
	for i, f := range frags {
		fc := *f
		out[i] = &fc
	}
	return out, nil
}

// --- AttestationStore ---

func (s *Store) UpsertAttestation(_ context.Context, a *types.GuardianAttestation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.attestations[compositeKey(a.VaultID, a.GuardianID)] = &cp
	return nil
}

func (s *Store) GetAttestation(_ context.Context, vaultID, guardianID string) (*types.GuardianAttestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attestations[compositeKey(vaultID, guardianID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListAttestations(_ context.Context, vaultID string) ([]*types.GuardianAttestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.GuardianAttestation
	for _, a := range s.attestations {
		if a.VaultID == vaultID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuardianID < out[j].GuardianID })
	return out, nil
}

// --- EvidenceStore ---

func (s *Store) CreateEvent(_ context.Context, ev *types.DeathVerificationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[ev.ID]; exists {
		return fmt.Errorf("event %s already exists", ev.ID)
	}
	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

func (s *Store) ListEventsByUser(_ context.Context, userID string) ([]*types.DeathVerificationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.DeathVerificationEvent
	for _, ev := range s.events {
		if ev.UserID == userID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateEventStatus(_ context.Context, eventID string, status types.EvidenceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return storage.ErrNotFound
	}
	ev.Status = status
	return nil
}

func (s *Store) ListUnresolvedUsers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, ev := range s.events {
		if uv, ok := s.verification[ev.UserID]; ok && uv.Confirmed {
			continue
		}
		seen[ev.UserID] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GetUserVerification(_ context.Context, userID string) (*types.UserVerification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uv, ok := s.verification[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *uv
	return &cp, nil
}

func (s *Store) SetUserVerification(_ context.Context, uv *types.UserVerification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *uv
	s.verification[uv.UserID] = &cp
	return nil
}

func (s *Store) GetSourceHealth(_ context.Context, userID string, source types.Source) (*types.SourceHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.sourceHealth[compositeKey(userID, string(source))]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *sh
	return &cp, nil
}

func (s *Store) SetSourceHealth(_ context.Context, sh *types.SourceHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sh
	s.sourceHealth[compositeKey(sh.UserID, string(sh.Source))] = &cp
	return nil
}

// --- DirectiveStore ---

func (s *Store) CreateDirective(_ context.Context, d *types.ReleaseDirective) (*types.ReleaseDirective, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.directives {
		if existing.VaultID == d.VaultID {
			cp := *existing
			return &cp, false, nil
		}
	}
	cp := *d
	s.directives[d.ID] = &cp
	out := cp
	return &out, true, nil
}

func (s *Store) GetDirectiveByVault(_ context.Context, vaultID string) (*types.ReleaseDirective, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.directives {
		if d.VaultID == vaultID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ListPendingDirectives(_ context.Context) ([]*types.ReleaseDirective, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.ReleaseDirective
	for _, d := range s.directives {
		if !d.Delivered {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RecordDirectiveAttempt(_ context.Context, id string, attemptErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.directives[id]
	if !ok {
		return storage.ErrNotFound
	}
	now := time.Now().UTC()
	d.Attempts++
	d.LastAttemptAt = &now
	d.LastError = attemptErr
	return nil
}

func (s *Store) MarkDirectiveDelivered(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.directives[id]
	if !ok {
		return storage.ErrNotFound
	}
	now := time.Now().UTC()
	d.Delivered = true
	d.DeliveredAt = &now
	d.LastError = ""
	return nil
}

// --- OpsStore ---

func (s *Store) SetLastError(_ context.Context, kind, aggregateID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErrors[compositeKey(kind, aggregateID)] = message
	return nil
}

func (s *Store) GetLastError(_ context.Context, kind, aggregateID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.lastErrors[compositeKey(kind, aggregateID)]
	if !ok {
		return "", storage.ErrNotFound
	}
	return msg, nil
}

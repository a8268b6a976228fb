package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/keyxmakerx/buildboard/internal/apperror"
	"github.com/keyxmakerx/buildboard/internal/config"
	"github.com/keyxmakerx/buildboard/internal/identityvault"
	"github.com/keyxmakerx/buildboard/internal/plugins/audit"
	"github.com/keyxmakerx/buildboard/internal/sessiontoken"
)

// --- In-memory account store ---

// memStore implements AccountRepository in memory with the same conflict
// rules as the real store: identity ids and emails are unique.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	nextID   int
	calls    map[string]int

	// createGate, when set, makes every Create wait until all expected
	// creates have arrived.
	createGate *sync.WaitGroup

	// failWith, when set, is returned by every call.
	failWith error
}

func newMemStore(accounts ...*Account) *memStore {
	m := &memStore{accounts: map[string]*Account{}, calls: map[string]int{}, nextID: 100}
	for _, a := range accounts {
		if a.Roles == nil {
			a.Roles = NewRoleSet()
		}
		m.accounts[a.ID] = a
	}
	return m
}

func (m *memStore) count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *memStore) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

func (m *memStore) get(id string) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		return cloneAccount(a)
	}
	return nil
}

func (m *memStore) enter(op string) error {
	m.calls[op]++
	return m.failWith
}

func cloneAccount(a *Account) *Account {
	c := *a
	c.Roles = NewRoleSet(a.Roles.Slice()...)
	return &c
}

func (m *memStore) FindByIdentityVaultID(_ context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindByIdentityVaultID"); err != nil {
		return nil, err
	}
	for _, a := range m.accounts {
		if a.IdentityVaultID != "" && a.IdentityVaultID == id {
			return cloneAccount(a), nil
		}
	}
	return nil, apperror.NewNotFound("account not found")
}

func (m *memStore) FindByEmail(_ context.Context, email string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindByEmail"); err != nil {
		return nil, err
	}
	for _, a := range m.accounts {
		if normalizeEmail(a.Email) == normalizeEmail(email) {
			return cloneAccount(a), nil
		}
	}
	return nil, apperror.NewNotFound("account not found")
}

func (m *memStore) FindByID(_ context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindByID"); err != nil {
		return nil, err
	}
	if a, ok := m.accounts[id]; ok {
		return cloneAccount(a), nil
	}
	return nil, apperror.NewNotFound("account not found")
}

func (m *memStore) Create(_ context.Context, in CreateAccountInput, _ string) (*Account, error) {
	if m.createGate != nil {
		m.createGate.Done()
		m.createGate.Wait()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Create"); err != nil {
		return nil, err
	}
	for _, a := range m.accounts {
		if (in.IdentityVaultID != "" && a.IdentityVaultID == in.IdentityVaultID) ||
			normalizeEmail(a.Email) == normalizeEmail(in.Email) {
			return nil, fmt.Errorf("creating account: %w", apperror.ErrAccountConflict)
		}
	}
	m.nextID++
	a := &Account{
		ID:              fmt.Sprintf("u%d", m.nextID),
		Email:           normalizeEmail(in.Email),
		ChatID:          in.ChatID,
		IdentityVaultID: in.IdentityVaultID,
		Roles:           NewRoleSet(),
	}
	m.accounts[a.ID] = a
	return cloneAccount(a), nil
}

func (m *memStore) LinkIdentity(_ context.Context, accountID string, in LinkIdentityInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LinkIdentity"); err != nil {
		return err
	}
	a, ok := m.accounts[accountID]
	if !ok {
		return apperror.NewNotFound("account not found")
	}
	if a.IdentityVaultID != "" && a.IdentityVaultID != in.IdentityVaultID {
		return fmt.Errorf("linking identity: %w", apperror.ErrAccountConflict)
	}
	a.IdentityVaultID = in.IdentityVaultID
	return nil
}

func (m *memStore) GrantRole(_ context.Context, accountID string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GrantRole:" + string(role)); err != nil {
		return err
	}
	a, ok := m.accounts[accountID]
	if !ok {
		return apperror.NewNotFound("account not found")
	}
	a.Roles.Add(role)
	return nil
}

func (m *memStore) MarkIdentityVerified(_ context.Context, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("MarkIdentityVerified")
}

func (m *memStore) SyncHandleFromChat(_ context.Context, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("SyncHandleFromChat")
}

// --- Mock identity provider ---

type mockVault struct {
	mode           identityvault.Mode
	exchangeFn     func(ctx context.Context, code string) (*oauth2.Token, error)
	fetchProfileFn func(ctx context.Context, accessToken string) (*identityvault.Profile, error)
	authenticateFn func(ctx context.Context, code string) (*identityvault.Profile, error)
	getIdentityFn  func(ctx context.Context, id string) (*identityvault.Identity, error)

	mu        sync.Mutex
	exchanges int
}

func (m *mockVault) Mode() identityvault.Mode { return m.mode }

func (m *mockVault) AuthorizeURL(opts identityvault.AuthorizeOptions) string {
	q := url.Values{"state": {opts.State}}
	if opts.LoginHint != "" {
		q.Set("login_hint", opts.LoginHint)
	}
	return "https://vault.test/oauth/authorize?" + q.Encode()
}

func (m *mockVault) ExchangeCode(ctx context.Context, code, _ string) (*oauth2.Token, error) {
	m.mu.Lock()
	m.exchanges++
	m.mu.Unlock()
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, code)
	}
	return &oauth2.Token{AccessToken: "access-" + code}, nil
}

func (m *mockVault) FetchProfile(ctx context.Context, accessToken string) (*identityvault.Profile, error) {
	if m.fetchProfileFn != nil {
		return m.fetchProfileFn(ctx, accessToken)
	}
	return nil, errors.New("no profile configured")
}

func (m *mockVault) Authenticate(ctx context.Context, code, _ string) (*identityvault.Profile, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(ctx, code)
	}
	return nil, errors.New("no bypass profile configured")
}

func (m *mockVault) GetIdentity(ctx context.Context, id string) (*identityvault.Identity, error) {
	if m.getIdentityFn != nil {
		return m.getIdentityFn(ctx, id)
	}
	return nil, identityvault.ErrNoProgramKey
}

func (m *mockVault) AddressCreationURL(stash map[string]any) string {
	return fmt.Sprintf("https://vault.test/addresses/program_create_address?account=%v", stash["account_id"])
}

func (m *mockVault) exchangeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exchanges
}

// profileVault returns a live vault that hands out p for every code.
func profileVault(p identityvault.Profile) *mockVault {
	return &mockVault{
		mode: identityvault.ModeLive,
		fetchProfileFn: func(_ context.Context, accessToken string) (*identityvault.Profile, error) {
			cp := p
			cp.AccessToken = accessToken
			return &cp, nil
		},
	}
}

// --- Mock event recorder ---

type mockRecorder struct {
	mu     sync.Mutex
	events []audit.AuthEvent
}

func (m *mockRecorder) Record(_ context.Context, e audit.AuthEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *mockRecorder) all() []audit.AuthEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.AuthEvent(nil), m.events...)
}

// --- Helpers ---

func testCodec(t *testing.T) *sessiontoken.Codec {
	t.Helper()
	codec, err := sessiontoken.New(bytes.Repeat([]byte{7}, sessiontoken.KeySize))
	if err != nil {
		t.Fatalf("creating codec: %v", err)
	}
	return codec
}

func newTestService(t *testing.T, vault IdentityProvider, repo AccountRepository, policy string) (*authService, *mockRecorder) {
	t.Helper()
	rec := &mockRecorder{}
	svc := NewAuthService(vault, repo, testCodec(t), rec, policy).(*authService)
	return svc, rec
}

func okInput(code string) CallbackInput {
	return CallbackInput{Code: code, ReturnPath: "/app/projects", RemoteIP: "203.0.113.9"}
}

func mustSuccess(t *testing.T, out Outcome) Success {
	t.Helper()
	s, ok := out.(Success)
	if !ok {
		t.Fatalf("expected Success, got %#v", out)
	}
	return s
}

func mustFailure(t *testing.T, out Outcome) Failure {
	t.Helper()
	f, ok := out.(Failure)
	if !ok {
		t.Fatalf("expected Failure, got %#v", out)
	}
	return f
}

// --- Scenarios ---

func TestCallback_LinkedIdentity(t *testing.T) {
	store := newMemStore(&Account{ID: "u1", Email: "one@x.com", IdentityVaultID: "idv-1"})
	vault := profileVault(identityvault.Profile{IdentityID: "idv-1", PrimaryEmail: "other@x.com"})
	svc, _ := newTestService(t, vault, store, config.OnboardingNone)

	s := mustSuccess(t, svc.Callback(context.Background(), okInput("code-1")))

	if s.AccountID != "u1" {
		t.Errorf("expected u1, got %s", s.AccountID)
	}
	if s.Resolution != ResolvedLinked {
		t.Errorf("expected linked resolution, got %v", s.Resolution)
	}
	id, err := svc.codec.Decode(s.Token)
	if err != nil {
		t.Fatalf("decoding issued token: %v", err)
	}
	if id != "u1" {
		t.Errorf("token decodes to %q, want u1", id)
	}
	if s.ReturnPath != "/app/projects" {
		t.Errorf("expected stored return path, got %q", s.ReturnPath)
	}
	if store.count("Create") != 0 || store.count("FindByEmail") != 0 {
		t.Error("a linked identity must not fall through to email or create")
	}
}

func TestCallback_EmailMatchLinks(t *testing.T) {
	store := newMemStore(&Account{ID: "u2", Email: "a@x.com"})
	vault := profileVault(identityvault.Profile{IdentityID: "idv-2", PrimaryEmail: "A@x.com"})
	svc, _ := newTestService(t, vault, store, config.OnboardingNone)

	s := mustSuccess(t, svc.Callback(context.Background(), okInput("code-2")))
	if s.AccountID != "u2" || s.Resolution != ResolvedByEmail {
		t.Fatalf("expected u2 by email, got %s / %v", s.AccountID, s.Resolution)
	}
	if got := store.get("u2").IdentityVaultID; got != "idv-2" {
		t.Errorf("expected idv-2 linked, got %q", got)
	}

	// Same profile again: now resolved through the link, still one account.
	s = mustSuccess(t, svc.Callback(context.Background(), okInput("code-2b")))
	if s.AccountID != "u2" || s.Resolution != ResolvedLinked {
		t.Errorf("expected u2 linked on repeat, got %s / %v", s.AccountID, s.Resolution)
	}
	if store.count("Create") != 0 {
		t.Error("expected no account creation")
	}
	if store.size() != 1 {
		t.Errorf("expected 1 account, got %d", store.size())
	}
}

func TestCallback_CreatesAccountAndGrantsRoles(t *testing.T) {
	store := newMemStore()
	vault := profileVault(identityvault.Profile{IdentityID: "idv-3", PrimaryEmail: "new@x.com", ChatID: "U123"})
	svc, _ := newTestService(t, vault, store, config.OnboardingNone)

	s := mustSuccess(t, svc.Callback(context.Background(), okInput("code-3")))
	if s.Resolution != ResolvedCreated {
		t.Fatalf("expected created, got %v", s.Resolution)
	}

	acct := store.get(s.AccountID)
	if acct == nil {
		t.Fatal("created account not stored")
	}
	if !acct.Roles.Has(RoleIDV) {
		t.Error("expected idv role")
	}
	if !acct.Roles.Has(RoleChatMember) {
		t.Error("expected chat_member role")
	}
	if got := store.count("SyncHandleFromChat"); got != 1 {
		t.Errorf("expected exactly one handle sync, got %d", got)
	}
	if got := store.count("MarkIdentityVerified"); got != 1 {
		t.Errorf("expected one verification mark, got %d", got)
	}
}

func TestCallback_CreateWithoutChatID(t *testing.T) {
	store := newMemStore()
	vault := profileVault(identityvault.Profile{IdentityID: "idv-3", PrimaryEmail: "new@x.com"})
	svc, _ := newTestService(t, vault, store, config.OnboardingNone)

	s := mustSuccess(t, svc.Callback(context.Background(), okInput("code-3")))
	acct := store.get(s.AccountID)
	if acct.Roles.Has(RoleChatMember) {
		t.Error("chat_member must not be granted without a chat id")
	}
	if store.count("SyncHandleFromChat") != 0 {
		t.Error("handle sync must not run without a chat id")
	}
}

func TestCallback_ConcurrentFirstLogins(t *testing.T) {
	store := newMemStore()
	store.createGate = &sync.WaitGroup{}
	store.createGate.Add(2)

	vault := profileVault(identityvault.Profile{IdentityID: "idv-4", PrimaryEmail: "race@x.com"})
	svc, _ := newTestService(t, vault, store, config.OnboardingNone)

	var wg sync.WaitGroup
	outs := make([]Outcome, 2)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = svc.Callback(context.Background(), okInput(fmt.Sprintf("code-4-%d", i)))
		}(i)
	}
	wg.Wait()

	if store.size() != 1 {
		t.Fatalf("expected exactly one account, got %d", store.size())
	}
	a := mustSuccess(t, outs[0])
	b := mustSuccess(t, outs[1])
	if a.AccountID != b.AccountID {
		t.Errorf("callbacks resolved to different accounts: %s vs %s", a.AccountID, b.AccountID)
	}
	if store.count("Create") != 2 {
		t.Errorf("expected both callbacks to attempt creation, got %d", store.count("Create"))
	}
}

// --- Failure paths ---

func TestCallback_StateMismatch(t *testing.T) {
	store := newMemStore()
	vault := profileVault(identityvault.Profile{IdentityID: "idv-1"})
	svc, rec := newTestService(t, vault, store, config.OnboardingNone)

	in := okInput("code")
	in.StateErr = apperror.ErrCSRFMismatch
	f := mustFailure(t, svc.Callback(context.Background(), in))

	if f.Kind != apperror.KindCSRFMismatch || f.Stage != StageStateCheck {
		t.Errorf("unexpected failure %+v", f)
	}
	if vault.exchangeCount() != 0 {
		t.Error("code must not be exchanged after a state mismatch")
	}

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(events))
	}
	if events[0].Outcome != audit.OutcomeFailure || events[0].FailureKind != string(apperror.KindCSRFMismatch) {
		t.Errorf("unexpected audit event %+v", events[0])
	}
}

func TestCallback_ProviderErrorAndMissingCode(t *testing.T) {
	tests := []struct {
		name string
		in   CallbackInput
		want apperror.Kind
	}{
		{name: "provider error", in: CallbackInput{Code: "c", ProviderError: "access_denied"}, want: apperror.KindUpstreamRejected},
		{name: "missing code", in: CallbackInput{}, want: apperror.KindMissingAuthorizationCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vault := profileVault(identityvault.Profile{IdentityID: "idv-1"})
			svc, _ := newTestService(t, vault, newMemStore(), config.OnboardingNone)

			f := mustFailure(t, svc.Callback(context.Background(), tt.in))
			if f.Kind != tt.want {
				t.Errorf("expected %s, got %s", tt.want, f.Kind)
			}
			if vault.exchangeCount() != 0 {
				t.Error("code must not be exchanged")
			}
		})
	}
}

func TestCallback_ExchangeUnavailable(t *testing.T) {
	vault := profileVault(identityvault.Profile{IdentityID: "idv-1"})
	vault.exchangeFn = func(context.Context, string) (*oauth2.Token, error) {
		return nil, fmt.Errorf("%w: after 4 attempts", apperror.ErrUpstreamUnavailable)
	}
	store := newMemStore()
	svc, _ := newTestService(t, vault, store, config.OnboardingNone)

	f := mustFailure(t, svc.Callback(context.Background(), okInput("c")))
	if f.Kind != apperror.KindUpstreamUnavailable || f.Stage != StageCodeExchange {
		t.Errorf("unexpected failure %+v", f)
	}
	if store.count("FindByIdentityVaultID") != 0 {
		t.Error("store must not be consulted after a failed exchange")
	}
}

func TestCallback_ProfileRejected(t *testing.T) {
	vault := &mockVault{
		mode: identityvault.ModeLive,
		fetchProfileFn: func(context.Context, string) (*identityvault.Profile, error) {
			return nil, fmt.Errorf("%w: 401", apperror.ErrUpstreamRejected)
		},
	}
	svc, _ := newTestService(t, vault, newMemStore(), config.OnboardingNone)

	f := mustFailure(t, svc.Callback(context.Background(), okInput("c")))
	if f.Kind != apperror.KindUpstreamRejected || f.Stage != StageProfileFetch {
		t.Errorf("unexpected failure %+v", f)
	}
}

func TestCallback_BackendDown(t *testing.T) {
	store := newMemStore()
	store.failWith = fmt.Errorf("%w: connection refused", apperror.ErrBackendUnavailable)
	vault := profileVault(identityvault.Profile{IdentityID: "idv-1", PrimaryEmail: "a@x.com"})
	svc, _ := newTestService(t, vault, store, config.OnboardingNone)

	f := mustFailure(t, svc.Callback(context.Background(), okInput("c")))
	if f.Kind != apperror.KindBackendUnavailable || f.Stage != StageResolution {
		t.Errorf("unexpected failure %+v", f)
	}
	if !strings.Contains(f.Kind.PublicMessage(), "Backend unavailable") {
		t.Errorf("unexpected public message %q", f.Kind.PublicMessage())
	}
}

// --- Bypass ---

func TestStart_BypassRedirectsToCallback(t *testing.T) {
	vault := &mockVault{mode: identityvault.ModeBypass}
	svc, _ := newTestService(t, vault, newMemStore(), config.OnboardingNone)

	rec, out := svc.Start(context.Background(), StartInput{ReturnPath: "/app/x"})
	r, ok := out.(Redirect)
	if !ok {
		t.Fatalf("expected Redirect, got %#v", out)
	}
	u, err := url.Parse(r.Path)
	if err != nil {
		t.Fatalf("parsing redirect: %v", err)
	}
	if u.Path != CallbackPath {
		t.Errorf("expected callback path, got %q", u.Path)
	}
	if u.Query().Get("state") != rec.State || rec.State == "" {
		t.Error("expected the minted state in the redirect")
	}
	if rec.ReturnPath != "/app/x" {
		t.Errorf("expected return path kept, got %q", rec.ReturnPath)
	}
}

func TestStart_LiveRedirectsToProvider(t *testing.T) {
	vault := &mockVault{mode: identityvault.ModeLive}
	svc, _ := newTestService(t, vault, newMemStore(), config.OnboardingNone)

	rec, out := svc.Start(context.Background(), StartInput{ReturnPath: "https://evil.example", LoginHint: "a@x.com"})
	r, ok := out.(Redirect)
	if !ok {
		t.Fatalf("expected Redirect, got %#v", out)
	}
	if !strings.HasPrefix(r.Path, "https://vault.test/oauth/authorize?") {
		t.Errorf("unexpected redirect %q", r.Path)
	}
	if !strings.Contains(r.Path, "state="+rec.State) {
		t.Error("expected state in authorize URL")
	}
	if rec.ReturnPath != "/app" {
		t.Errorf("expected off-site return path replaced, got %q", rec.ReturnPath)
	}
}

func TestCallback_BypassUsesSyntheticProfile(t *testing.T) {
	store := newMemStore()
	vault := &mockVault{
		mode: identityvault.ModeBypass,
		authenticateFn: func(_ context.Context, code string) (*identityvault.Profile, error) {
			if code != bypassCode {
				return nil, errors.New("unexpected code")
			}
			return &identityvault.Profile{IdentityID: "bypass:dev@localhost", PrimaryEmail: "dev@localhost", VerificationStatus: identityvault.StatusVerified}, nil
		},
	}
	svc, _ := newTestService(t, vault, store, config.OnboardingNone)

	s := mustSuccess(t, svc.Callback(context.Background(), okInput(bypassCode)))
	if s.Resolution != ResolvedCreated {
		t.Errorf("expected account creation, got %v", s.Resolution)
	}
	if vault.exchangeCount() != 0 {
		t.Error("bypass must not exchange codes")
	}
}

// --- Onboarding ---

func TestCallback_OnboardingPolicy(t *testing.T) {
	done := time.Now()
	tests := []struct {
		name      string
		policy    string
		completed *time.Time
		addresses []identityvault.Address
		ack       bool
		want      string
	}{
		{name: "none", policy: config.OnboardingNone, want: "/app/projects"},
		{name: "address missing", policy: config.OnboardingAddress, want: OnboardingPath},
		{name: "address present", policy: config.OnboardingAddress, addresses: []identityvault.Address{{City: "Here"}}, want: "/app/projects"},
		{name: "ack missing", policy: config.OnboardingAcknowledgement, want: OnboardingPath},
		{name: "ack present", policy: config.OnboardingAcknowledgement, ack: true, want: "/app/projects"},
		{name: "already onboarded", policy: config.OnboardingAddress, completed: &done, want: "/app/projects"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(&Account{ID: "u1", Email: "a@x.com", IdentityVaultID: "idv-1", OnboardingCompletedAt: tt.completed})
			vault := profileVault(identityvault.Profile{IdentityID: "idv-1", Addresses: tt.addresses})
			svc, _ := newTestService(t, vault, store, tt.policy)

			in := okInput("c")
			in.OnboardingAcknowledged = tt.ack
			s := mustSuccess(t, svc.Callback(context.Background(), in))
			if s.ReturnPath != tt.want {
				t.Errorf("expected %q, got %q", tt.want, s.ReturnPath)
			}
		})
	}
}

// --- Audit ---

func TestCallback_RecordsSuccess(t *testing.T) {
	store := newMemStore(&Account{ID: "u1", Email: "a@x.com", IdentityVaultID: "idv-1"})
	svc, rec := newTestService(t, profileVault(identityvault.Profile{IdentityID: "idv-1"}), store, config.OnboardingNone)

	mustSuccess(t, svc.Callback(context.Background(), okInput("c")))

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	e := events[0]
	if e.Outcome != audit.OutcomeSuccess || e.AccountID != "u1" || e.Resolution != "linked" || e.RemoteIP != "203.0.113.9" {
		t.Errorf("unexpected event %+v", e)
	}
	if e.Provider != audit.ProviderIdentityVault {
		t.Errorf("unexpected provider %q", e.Provider)
	}
}

// --- Sessions ---

func TestValidateSession(t *testing.T) {
	store := newMemStore(&Account{ID: "u1", Email: "a@x.com", Roles: NewRoleSet(RoleAdmin)})
	svc, _ := newTestService(t, &mockVault{}, store, config.OnboardingNone)

	token, err := svc.codec.Encode("u1")
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}
	session, err := svc.ValidateSession(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.AccountID != "u1" || !session.Account.Roles.Has(RoleAdmin) {
		t.Errorf("unexpected session %+v", session)
	}

	if _, err := svc.ValidateSession(context.Background(), "garbage"); !errors.Is(err, apperror.ErrMalformedToken) {
		t.Errorf("expected malformed token, got %v", err)
	}

	gone, _ := svc.codec.Encode("deleted")
	if _, err := svc.ValidateSession(context.Background(), gone); !apperror.IsNotFound(err) {
		t.Errorf("expected not found for deleted account, got %v", err)
	}
}

// --- Admin ---

func TestAdminAccount(t *testing.T) {
	store := newMemStore(
		&Account{ID: "u1", Email: "a@x.com", IdentityVaultID: "idv-1"},
		&Account{ID: "u2", Email: "b@x.com"},
	)
	vault := &mockVault{
		getIdentityFn: func(_ context.Context, id string) (*identityvault.Identity, error) {
			return &identityvault.Identity{ID: id, PrimaryEmail: "a@x.com"}, nil
		},
	}
	svc, _ := newTestService(t, vault, store, config.OnboardingNone)

	view, err := svc.AdminAccount(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Identity == nil || view.Identity.ID != "idv-1" {
		t.Errorf("expected identity idv-1, got %+v", view.Identity)
	}

	view, err = svc.AdminAccount(context.Background(), "u2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Identity != nil {
		t.Error("unlinked account must not have an identity")
	}

	if _, err := svc.AdminAccount(context.Background(), "nope"); !apperror.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestAdminAccount_ProviderFailureOmitsIdentity(t *testing.T) {
	store := newMemStore(&Account{ID: "u1", Email: "a@x.com", IdentityVaultID: "idv-1"})
	svc, _ := newTestService(t, &mockVault{}, store, config.OnboardingNone)

	view, err := svc.AdminAccount(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Identity != nil {
		t.Error("expected identity omitted")
	}
}

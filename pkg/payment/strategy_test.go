package payment

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"google.golang.org/grpc/metadata"

	"github.com/singnet/snet-mpe-go/pkg/blockchain"
	"github.com/singnet/snet-mpe-go/pkg/daemon"
	"github.com/singnet/snet-mpe-go/pkg/errs"
)

// Fixtures put the chain at block 1000 with a 100-block expiration threshold
// and a 240-block offset, so a reconciling extend targets block 1340 and the
// minimum acceptable expiry is block 1100.
const (
	testBlockOffset     = 240
	wantExtendedExpiry  = 1340
	wantThresholdExpiry = 1100
)

func header(t *testing.T, ctx context.Context, key string) string {
	t.Helper()
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		t.Fatal("no outgoing metadata on context")
	}
	vals := md.Get(key)
	if len(vals) != 1 {
		t.Fatalf("header %q has %d values, want 1", key, len(vals))
	}
	return vals[0]
}

func TestSelectChannelOpensWhenNoneTracked(t *testing.T) {
	tests := []struct {
		name         string
		escrow       int64
		wantMutation string
	}{
		{"escrow covers amount", 100, "openChannel(80,1340)"},
		{"escrow exactly covers amount", 80, "openChannel(80,1340)"},
		{"escrow falls short", 50, "depositAndOpenChannel(80,1340)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := testAccount(t)
			ledger := newFakeLedger(1000, tt.escrow)
			strategy, err := NewPaidStrategy(ledger, newFakeStates(), acc, testMPEAddr, testGroup(t, 80), testBlockOffset, 0)
			if err != nil {
				t.Fatalf("NewPaidStrategy: %v", err)
			}

			ch, err := strategy.selectChannel(context.Background(), 1)
			if err != nil {
				t.Fatalf("selectChannel: %v", err)
			}
			muts := ledger.recordedMutations()
			if len(muts) != 1 || muts[0] != tt.wantMutation {
				t.Errorf("mutations = %v, want [%s]", muts, tt.wantMutation)
			}
			snap := ch.Snapshot()
			if snap.AmountDeposited.Int64() != 80 {
				t.Errorf("deposited = %s, want 80", snap.AmountDeposited)
			}
			if snap.Expiry.Int64() != wantExtendedExpiry {
				t.Errorf("expiry = %s, want %d", snap.Expiry, wantExtendedExpiry)
			}
		})
	}
}

func TestSelectChannelReconciliation(t *testing.T) {
	tests := []struct {
		name          string
		signed        int64
		expiry        int64
		wantMutations []string
		wantDeposited int64
	}{
		{
			name:          "funded and valid needs nothing",
			signed:        20, // available 80 == required, inclusive
			expiry:        wantThresholdExpiry,
			wantMutations: nil,
			wantDeposited: 100,
		},
		{
			name:          "short on funds",
			signed:        50, // available 50, top-up 30
			expiry:        2000,
			wantMutations: []string{"addFunds(7,30)"},
			wantDeposited: 130,
		},
		{
			name:          "short on expiry",
			signed:        0,
			expiry:        1050,
			wantMutations: []string{"extend(7,1340)"},
			wantDeposited: 100,
		},
		{
			name:          "short on both",
			signed:        50,
			expiry:        1050,
			wantMutations: []string{"extendAndAddFunds(7,1340,30)"},
			wantDeposited: 130,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := testAccount(t)
			ledger := newFakeLedger(1000, 0)
			ledger.seedChannel(7, acc.Address, testGroupID(t), 100, tt.expiry, 5)
			states := newFakeStates()
			states.setSigned(7, 0, tt.signed)

			strategy, err := NewPaidStrategy(ledger, states, acc, testMPEAddr, testGroup(t, 80), testBlockOffset, 0)
			if err != nil {
				t.Fatalf("NewPaidStrategy: %v", err)
			}
			ch, err := strategy.selectChannel(context.Background(), 1)
			if err != nil {
				t.Fatalf("selectChannel: %v", err)
			}

			muts := ledger.recordedMutations()
			if len(muts) != len(tt.wantMutations) {
				t.Fatalf("mutations = %v, want %v", muts, tt.wantMutations)
			}
			for i := range muts {
				if muts[i] != tt.wantMutations[i] {
					t.Fatalf("mutations = %v, want %v", muts, tt.wantMutations)
				}
			}
			if got := ch.Snapshot().AmountDeposited.Int64(); got != tt.wantDeposited {
				t.Errorf("deposited = %d, want %d", got, tt.wantDeposited)
			}
		})
	}
}

func TestSelectChannelFreshlyOpenedIsIdempotent(t *testing.T) {
	acc := testAccount(t)
	ledger := newFakeLedger(1000, 1000)
	strategy, err := NewPaidStrategy(ledger, newFakeStates(), acc, testMPEAddr, testGroup(t, 80), testBlockOffset, 0)
	if err != nil {
		t.Fatalf("NewPaidStrategy: %v", err)
	}

	first, err := strategy.selectChannel(context.Background(), 1)
	if err != nil {
		t.Fatalf("first selectChannel: %v", err)
	}
	second, err := strategy.selectChannel(context.Background(), 1)
	if err != nil {
		t.Fatalf("second selectChannel: %v", err)
	}

	if first != second {
		t.Error("second selection returned a different channel")
	}
	if muts := ledger.recordedMutations(); len(muts) != 1 {
		t.Errorf("a freshly opened channel triggered extra transactions: %v", muts)
	}
}

func TestSelectChannelPreselected(t *testing.T) {
	acc := testAccount(t)
	ledger := newFakeLedger(1000, 0)
	ledger.seedChannel(7, acc.Address, testGroupID(t), 100, 1050, 5)
	states := newFakeStates()
	states.setSigned(7, 0, 90) // underfunded on purpose

	strategy, err := NewPaidStrategy(ledger, states, acc, testMPEAddr, testGroup(t, 80), testBlockOffset, 0)
	if err != nil {
		t.Fatalf("NewPaidStrategy: %v", err)
	}

	strategy.SetPreselectedChannel(big.NewInt(7))
	ch, err := strategy.selectChannel(context.Background(), 1)
	if err != nil {
		t.Fatalf("selectChannel: %v", err)
	}
	if ch.ID.Int64() != 7 {
		t.Errorf("selected channel %s, want 7", ch.ID)
	}
	if muts := ledger.recordedMutations(); len(muts) != 0 {
		t.Errorf("preselected channel must bypass reconciliation, got %v", muts)
	}

	strategy.SetPreselectedChannel(big.NewInt(99))
	if _, err := strategy.selectChannel(context.Background(), 1); !errors.Is(err, errs.ErrDataNotAvailable) {
		t.Errorf("untracked preselected channel error = %v, want ErrDataNotAvailable", err)
	}
}

func TestPaidStrategyMetadata(t *testing.T) {
	acc := testAccount(t)
	ledger := newFakeLedger(1000, 1000)
	strategy, err := NewPaidStrategy(ledger, newFakeStates(), acc, testMPEAddr, testGroup(t, 80), testBlockOffset, 0)
	if err != nil {
		t.Fatalf("NewPaidStrategy: %v", err)
	}

	ctx1, err := strategy.GRPCMetadata(context.Background())
	if err != nil {
		t.Fatalf("first GRPCMetadata: %v", err)
	}
	if got := header(t, ctx1, PaymentTypeHeader); got != EscrowPaymentType {
		t.Errorf("payment type = %q, want %q", got, EscrowPaymentType)
	}
	if got := header(t, ctx1, PaymentChannelAmountHeader); got != "80" {
		t.Errorf("first amount = %q, want 80", got)
	}

	ctx2, err := strategy.GRPCMetadata(context.Background())
	if err != nil {
		t.Fatalf("second GRPCMetadata: %v", err)
	}
	if got := header(t, ctx2, PaymentChannelAmountHeader); got != "160" {
		t.Errorf("second amount = %q, want 160", got)
	}

	channelID, ok := new(big.Int).SetString(header(t, ctx2, PaymentChannelIDHeader), 10)
	if !ok {
		t.Fatal("channel id header is not a decimal number")
	}
	want := acc.Sign(
		blockchain.StringField(PrefixInSignature),
		blockchain.AddressField(testMPEAddr),
		blockchain.Uint256Field(channelID),
		blockchain.Uint256Field(big.NewInt(0)),
		blockchain.Uint256Field(big.NewInt(160)),
	)
	if header(t, ctx2, PaymentChannelSignatureHeader) != string(want) {
		t.Error("claim signature does not match the canonical claim message")
	}
}

func TestClaimSignatureIsDeterministic(t *testing.T) {
	acc := testAccount(t)
	a := claimSignature(acc, testMPEAddr, big.NewInt(7), big.NewInt(2), big.NewInt(160))
	b := claimSignature(acc, testMPEAddr, big.NewInt(7), big.NewInt(2), big.NewInt(160))
	if string(a) != string(b) {
		t.Error("same claim tuple produced different signatures")
	}
	c := claimSignature(acc, testMPEAddr, big.NewInt(7), big.NewInt(2), big.NewInt(161))
	if string(a) == string(c) {
		t.Error("different amounts produced identical signatures")
	}
}

func TestConcurrencyManagerReusesTokenWithHeadroom(t *testing.T) {
	acc := testAccount(t)
	ledger := newFakeLedger(1000, 0)
	ledger.seedChannel(7, acc.Address, testGroupID(t), 100, 2000, 5)
	states := newFakeStates()
	states.setSigned(7, 0, 50)

	ch := NewPaymentChannel(big.NewInt(7), ledger, states, acc, testMPEAddr)
	if err := ch.SyncState(context.Background()); err != nil {
		t.Fatalf("SyncState: %v", err)
	}

	tokens := &fakeTokens{grants: []*daemon.TokenGrant{
		{ChannelID: 7, Token: "tok-1", PlannedAmount: 100, UsedAmount: 30},
	}}
	manager := NewConcurrencyManager(ledger, tokens, acc, testMPEAddr)

	token, err := manager.GetToken(context.Background(), ch, big.NewInt(80))
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if token != "tok-1" {
		t.Errorf("token = %q, want reused tok-1", token)
	}
	if len(tokens.requests) != 1 {
		t.Fatalf("daemon requests = %d, want 1 probe", len(tokens.requests))
	}
	if got := tokens.requests[0].SignedAmount; got != 50 {
		t.Errorf("probe signed amount = %d, want current 50 (zero increment)", got)
	}
}

func TestConcurrencyManagerRequestsFreshTokenWhenExhausted(t *testing.T) {
	acc := testAccount(t)
	ledger := newFakeLedger(1000, 0)
	ledger.seedChannel(7, acc.Address, testGroupID(t), 200, 2000, 5)
	states := newFakeStates()
	states.setSigned(7, 0, 50)

	ch := NewPaymentChannel(big.NewInt(7), ledger, states, acc, testMPEAddr)
	if err := ch.SyncState(context.Background()); err != nil {
		t.Fatalf("SyncState: %v", err)
	}

	tokens := &fakeTokens{grants: []*daemon.TokenGrant{
		{ChannelID: 7, Token: "tok-old", PlannedAmount: 50, UsedAmount: 50},
		{ChannelID: 7, Token: "tok-new", PlannedAmount: 130, UsedAmount: 0},
	}}
	manager := NewConcurrencyManager(ledger, tokens, acc, testMPEAddr)

	token, err := manager.GetToken(context.Background(), ch, big.NewInt(80))
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if token != "tok-new" {
		t.Errorf("token = %q, want fresh tok-new", token)
	}
	if len(tokens.requests) != 2 {
		t.Fatalf("daemon requests = %d, want probe plus fresh request", len(tokens.requests))
	}
	fresh := tokens.requests[1]
	if fresh.SignedAmount != 130 {
		t.Errorf("fresh signed amount = %d, want 50+80", fresh.SignedAmount)
	}

	wantClaim := claimSignature(acc, testMPEAddr, big.NewInt(7), big.NewInt(0), big.NewInt(130))
	if string(fresh.ClaimSignature) != string(wantClaim) {
		t.Error("claim signature does not match the canonical claim message")
	}
	wantBound := acc.Sign(
		blockchain.BytesField(wantClaim),
		blockchain.Uint256Field(big.NewInt(1000)),
	)
	if string(fresh.Signature) != string(wantBound) {
		t.Error("request signature is not the block-bound wrap of the claim signature")
	}
}

func TestConcurrencyManagerSkipsProbeOnZeroSignedAmount(t *testing.T) {
	acc := testAccount(t)
	ledger := newFakeLedger(1000, 0)
	ledger.seedChannel(7, acc.Address, testGroupID(t), 200, 2000, 5)

	ch := NewPaymentChannel(big.NewInt(7), ledger, newFakeStates(), acc, testMPEAddr)
	if err := ch.SyncState(context.Background()); err != nil {
		t.Fatalf("SyncState: %v", err)
	}

	tokens := &fakeTokens{grants: []*daemon.TokenGrant{
		{ChannelID: 7, Token: "tok", PlannedAmount: 80, UsedAmount: 0},
	}}
	manager := NewConcurrencyManager(ledger, tokens, acc, testMPEAddr)

	if _, err := manager.GetToken(context.Background(), ch, big.NewInt(80)); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if len(tokens.requests) != 1 {
		t.Fatalf("daemon requests = %d, want 1 (no probe for untouched channel)", len(tokens.requests))
	}
	if got := tokens.requests[0].SignedAmount; got != 80 {
		t.Errorf("signed amount = %d, want price 80", got)
	}
}

func TestPrepaidStrategyMetadata(t *testing.T) {
	acc := testAccount(t)
	ledger := newFakeLedger(1000, 1000)
	tokens := &fakeTokens{grants: []*daemon.TokenGrant{
		{ChannelID: 1, Token: "batch-tok", PlannedAmount: 240, UsedAmount: 0},
	}}
	strategy, err := NewPrePaidStrategy(ledger, newFakeStates(), tokens, acc, testMPEAddr, testGroup(t, 80), 3, testBlockOffset, 0)
	if err != nil {
		t.Fatalf("NewPrePaidStrategy: %v", err)
	}

	ctx, err := strategy.GRPCMetadata(context.Background())
	if err != nil {
		t.Fatalf("GRPCMetadata: %v", err)
	}
	if got := header(t, ctx, PaymentTypeHeader); got != PrepaidPaymentType {
		t.Errorf("payment type = %q, want %q", got, PrepaidPaymentType)
	}
	if got := header(t, ctx, PrePaidAuthTokenHeader); got != "batch-tok" {
		t.Errorf("token header = %q, want batch-tok", got)
	}

	// The channel was opened for the whole batch of 3 calls at price 80.
	muts := ledger.recordedMutations()
	if len(muts) != 1 || muts[0] != "openChannel(240,1340)" {
		t.Errorf("mutations = %v, want [openChannel(240,1340)]", muts)
	}
	if len(tokens.requests) != 1 || tokens.requests[0].SignedAmount != 240 {
		t.Errorf("token requests = %+v, want one for signed amount 240", tokens.requests)
	}
}

func TestFreeStrategyNeverTouchesEscrow(t *testing.T) {
	acc := testAccount(t)
	ledger := newFakeLedger(1000, 500)
	client := &fakeFreeCalls{
		token:     &daemon.FreeCallToken{Token: []byte("ftok"), ExpirationBlockNumber: 1200},
		available: 3,
	}
	strategy := NewFreeStrategy(ledger, client, acc, "org", "svc", "grp", nil)

	ctx, err := strategy.GRPCMetadata(context.Background())
	if err != nil {
		t.Fatalf("GRPCMetadata: %v", err)
	}
	available, err := strategy.GetFreeCallsAvailable(context.Background())
	if err != nil {
		t.Fatalf("GetFreeCallsAvailable: %v", err)
	}

	if available != 3 {
		t.Errorf("available = %d, want 3", available)
	}
	if got := header(t, ctx, PaymentTypeHeader); got != FreeCallPaymentType {
		t.Errorf("payment type = %q, want %q", got, FreeCallPaymentType)
	}
	if got := header(t, ctx, FreeCallAuthTokenHeader); got != "ftok" {
		t.Errorf("token header = %q, want ftok", got)
	}
	if got := header(t, ctx, FreeCallAuthTokenExpiryBlockNumberHeader); got != "1200" {
		t.Errorf("token expiry header = %q, want 1200", got)
	}
	if got := header(t, ctx, CurrentBlockNumberHeader); got != "1000" {
		t.Errorf("current block header = %q, want 1000", got)
	}
	if muts := ledger.recordedMutations(); len(muts) != 0 {
		t.Errorf("free-call flow issued escrow transactions: %v", muts)
	}
}

func TestFreeStrategySignsTokenIssuance(t *testing.T) {
	acc := testAccount(t)
	ledger := newFakeLedger(1000, 0)
	client := &fakeFreeCalls{token: &daemon.FreeCallToken{Token: []byte("ftok")}}
	strategy := NewFreeStrategy(ledger, client, acc, "org", "svc", "grp", nil)

	if err := strategy.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(client.tokenReqs) != 1 {
		t.Fatalf("token requests = %d, want 1", len(client.tokenReqs))
	}
	req := client.tokenReqs[0]
	if req.Address != acc.Address.Hex() {
		t.Errorf("address = %q, want %q", req.Address, acc.Address.Hex())
	}
	if req.CurrentBlock != 1000 {
		t.Errorf("current block = %d, want 1000", req.CurrentBlock)
	}

	want := acc.SignBytes(blockchain.EncodeFields(
		blockchain.StringField(FreeCallPrefixSignature),
		blockchain.StringField(acc.Address.Hex()),
		blockchain.StringField("org"),
		blockchain.StringField("svc"),
		blockchain.StringField("grp"),
		blockchain.Uint256Field(big.NewInt(1000)),
	))
	if string(req.Signature) != string(want) {
		t.Error("issuance signature does not match the canonical message")
	}
}

func TestFreeStrategyCarriesUserID(t *testing.T) {
	acc := testAccount(t)
	ledger := newFakeLedger(1000, 0)
	client := &fakeFreeCalls{
		token:     &daemon.FreeCallToken{Token: []byte("ftok"), ExpirationBlockNumber: 1200},
		available: 1,
	}
	strategy := NewFreeStrategy(ledger, client, acc, "org", "svc", "grp", nil)
	strategy.SetUserID("alice@example.com")

	ctx, err := strategy.GRPCMetadata(context.Background())
	if err != nil {
		t.Fatalf("GRPCMetadata: %v", err)
	}
	if got := header(t, ctx, FreeCallUserIdHeader); got != "alice@example.com" {
		t.Errorf("user id header = %q, want alice@example.com", got)
	}
	if len(client.tokenReqs) != 1 || client.tokenReqs[0].UserID != "alice@example.com" {
		t.Errorf("token requests = %+v, want one carrying the user id", client.tokenReqs)
	}

	if _, err := strategy.GetFreeCallsAvailable(context.Background()); err != nil {
		t.Fatalf("GetFreeCallsAvailable: %v", err)
	}
	if len(client.stateReqs) != 1 || client.stateReqs[0].UserID != "alice@example.com" {
		t.Errorf("state requests = %+v, want one carrying the user id", client.stateReqs)
	}
}

type stubStrategy struct {
	refreshes int
	metadatas int
}

func (s *stubStrategy) Refresh(ctx context.Context) error {
	s.refreshes++
	return nil
}

func (s *stubStrategy) GRPCMetadata(ctx context.Context) (context.Context, error) {
	s.metadatas++
	return metadata.NewOutgoingContext(ctx, metadata.Pairs(PaymentTypeHeader, EscrowPaymentType)), nil
}

func TestDefaultStrategyPrefersFreeCalls(t *testing.T) {
	acc := testAccount(t)
	ledger := newFakeLedger(1000, 0)
	client := &fakeFreeCalls{
		token:     &daemon.FreeCallToken{Token: []byte("ftok"), ExpirationBlockNumber: 1200},
		available: 2,
	}
	fallback := &stubStrategy{}
	strategy := NewDefaultStrategy(NewFreeStrategy(ledger, client, acc, "org", "svc", "grp", nil), fallback)

	ctx, err := strategy.GRPCMetadata(context.Background())
	if err != nil {
		t.Fatalf("GRPCMetadata: %v", err)
	}
	if got := header(t, ctx, PaymentTypeHeader); got != FreeCallPaymentType {
		t.Errorf("payment type = %q, want free-call", got)
	}
	if fallback.metadatas != 0 {
		t.Error("fallback strategy used despite remaining free quota")
	}
}

func TestDefaultStrategyFallsBackWithoutQuota(t *testing.T) {
	acc := testAccount(t)
	ledger := newFakeLedger(1000, 0)
	client := &fakeFreeCalls{
		token:     &daemon.FreeCallToken{Token: []byte("ftok")},
		available: 0,
	}
	fallback := &stubStrategy{}
	strategy := NewDefaultStrategy(NewFreeStrategy(ledger, client, acc, "org", "svc", "grp", nil), fallback)

	if err := strategy.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	ctx, err := strategy.GRPCMetadata(context.Background())
	if err != nil {
		t.Fatalf("GRPCMetadata: %v", err)
	}
	if got := header(t, ctx, PaymentTypeHeader); got != EscrowPaymentType {
		t.Errorf("payment type = %q, want fallback escrow", got)
	}
	if fallback.refreshes == 0 {
		t.Error("fallback strategy was never refreshed")
	}
}

func TestDefaultStrategyReprobesQuotaEachCall(t *testing.T) {
	acc := testAccount(t)
	ledger := newFakeLedger(1000, 0)
	client := &fakeFreeCalls{
		token:     &daemon.FreeCallToken{Token: []byte("ftok"), ExpirationBlockNumber: 1200},
		available: 1,
	}
	fallback := &stubStrategy{}
	strategy := NewDefaultStrategy(NewFreeStrategy(ledger, client, acc, "org", "svc", "grp", nil), fallback)

	ctx, err := strategy.GRPCMetadata(context.Background())
	if err != nil {
		t.Fatalf("GRPCMetadata: %v", err)
	}
	if got := header(t, ctx, PaymentTypeHeader); got != FreeCallPaymentType {
		t.Fatalf("first payment type = %q, want free-call", got)
	}

	// The daemon consumed the last free call; the next one must pay.
	client.setAvailable(0)

	ctx, err = strategy.GRPCMetadata(context.Background())
	if err != nil {
		t.Fatalf("GRPCMetadata: %v", err)
	}
	if got := header(t, ctx, PaymentTypeHeader); got != EscrowPaymentType {
		t.Errorf("second payment type = %q, want fallback escrow", got)
	}
	if fallback.metadatas != 1 {
		t.Errorf("fallback metadata calls = %d, want 1", fallback.metadatas)
	}
}

func TestDefaultStrategyWithoutFreeTier(t *testing.T) {
	fallback := &stubStrategy{}
	strategy := NewDefaultStrategy(nil, fallback)
	if err := strategy.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := strategy.GRPCMetadata(context.Background()); err != nil {
		t.Fatalf("GRPCMetadata: %v", err)
	}
	if fallback.metadatas != 1 {
		t.Errorf("fallback metadata calls = %d, want 1", fallback.metadatas)
	}
}

package permission

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/proofs"
)

type testWallet struct {
	pub     ed25519.PublicKey
	priv    ed25519.PrivateKey
	address string
}

func newTestWallet(t *testing.T) testWallet {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return testWallet{pub: pub, priv: priv, address: hex.EncodeToString(pub)}
}

func (w testWallet) sign(message string) string {
	digest := sha256.Sum256([]byte(message))
	return base58.Encode(ed25519.Sign(w.priv, digest[:]))
}

func (w testWallet) publicKey() string {
	return "ed25519:" + base58.Encode(w.pub)
}

func newTestService() *Service {
	return NewService(NewMemoryStore(), proofs.NewRegistry())
}

func register(t *testing.T, svc *Service, path string, wallet testWallet, nonce uint64) *Record {
	t.Helper()
	message := RegisterMessage(path, nonce)
	record, err := svc.Register(context.Background(), RegisterRequest{
		DerivationPath: path,
		WalletType:     "near",
		PublicKey:      wallet.publicKey(),
		ChainAddress:   wallet.address,
		Signature:      wallet.sign(message),
		Message:        message,
		Nonce:          nonce,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return record
}

func addSwapOperation(t *testing.T, svc *Service, path string, wallet testWallet, nonce uint64) *Operation {
	t.Helper()
	message := fmt.Sprintf("Authorize swap up to 1000000 with nonce: %d", nonce)
	op, err := svc.AddOperation(context.Background(), OperationRequest{
		DerivationPath:     path,
		OperationType:      "Swap",
		SourceAsset:        "near:native",
		TargetAsset:        "usdc.near",
		MaxAmount:          "1000000",
		DestinationAddress: "alice.near",
		DestinationChain:   "near",
		SlippageBps:        50,
		SignerAddress:      wallet.address,
		Signature:          wallet.sign(message),
		Message:            message,
		Nonce:              nonce,
	})
	if err != nil {
		t.Fatalf("add operation: %v", err)
	}
	return op
}

func TestRegisterAndNonceReplay(t *testing.T) {
	svc := newTestService()
	wallet := newTestWallet(t)

	record := register(t, svc, "alice-agent", wallet, 0)
	if record.NextNonce != 1 {
		t.Fatalf("next nonce after register = %d, want 1", record.NextNonce)
	}
	if len(record.Wallets) != 1 || record.Wallets[0].ChainAddress != wallet.address {
		t.Fatalf("wallet not recorded: %+v", record.Wallets)
	}

	// 重放同一个 nonce 必须被拒绝，即使签名本身有效。
	message := RegisterMessage("alice-agent", 0)
	_, err := svc.Register(context.Background(), RegisterRequest{
		DerivationPath: "alice-agent",
		WalletType:     "near",
		PublicKey:      wallet.publicKey(),
		ChainAddress:   wallet.address,
		Signature:      wallet.sign(message),
		Message:        message,
		Nonce:          0,
	})
	if xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("nonce replay code = %v, want unauthorized", xerrors.CodeOf(err))
	}
}

func TestRegisterRejectsBadSignatureAndMessage(t *testing.T) {
	svc := newTestService()
	wallet := newTestWallet(t)
	intruder := newTestWallet(t)
	message := RegisterMessage("alice-agent", 0)

	// 他人私钥签出的签名无效。
	_, err := svc.Register(context.Background(), RegisterRequest{
		DerivationPath: "alice-agent",
		WalletType:     "near",
		PublicKey:      wallet.publicKey(),
		ChainAddress:   wallet.address,
		Signature:      intruder.sign(message),
		Message:        message,
		Nonce:          0,
	})
	if xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("forged signature code = %v, want unauthorized", xerrors.CodeOf(err))
	}

	// 消息必须与期望格式完全一致。
	_, err = svc.Register(context.Background(), RegisterRequest{
		DerivationPath: "alice-agent",
		WalletType:     "near",
		PublicKey:      wallet.publicKey(),
		ChainAddress:   wallet.address,
		Signature:      wallet.sign("Register wallet please"),
		Message:        "Register wallet please",
		Nonce:          0,
	})
	if xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("wrong message code = %v, want unauthorized", xerrors.CodeOf(err))
	}

	if _, err := svc.Get(context.Background(), "alice-agent"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("rejected register must not create the record")
	}
}

func TestWalletCannotBindTwoPaths(t *testing.T) {
	svc := newTestService()
	wallet := newTestWallet(t)
	register(t, svc, "alice-agent", wallet, 0)

	message := RegisterMessage("bob-agent", 0)
	_, err := svc.Register(context.Background(), RegisterRequest{
		DerivationPath: "bob-agent",
		WalletType:     "near",
		PublicKey:      wallet.publicKey(),
		ChainAddress:   wallet.address,
		Signature:      wallet.sign(message),
		Message:        message,
		Nonce:          0,
	})
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("rebinding code = %v, want conflict", xerrors.CodeOf(err))
	}

	path, err := svc.PathForWallet(context.Background(), wallet.address)
	if err != nil || path != "alice-agent" {
		t.Fatalf("reverse lookup = %q, %v", path, err)
	}
}

func TestAddAndRemoveOperation(t *testing.T) {
	svc := newTestService()
	wallet := newTestWallet(t)
	register(t, svc, "alice-agent", wallet, 0)

	op := addSwapOperation(t, svc, "alice-agent", wallet, 1)
	if op.OperationID != "alice-agent-1" {
		t.Fatalf("operation id = %q", op.OperationID)
	}
	record, err := svc.Get(context.Background(), "alice-agent")
	if err != nil || record.NextNonce != 2 {
		t.Fatalf("next nonce after add = %d, err %v", record.NextNonce, err)
	}

	// 非所有者签名地址无权登记操作。
	outsider := newTestWallet(t)
	message := fmt.Sprintf("Authorize swap with nonce: %d", record.NextNonce)
	_, err = svc.AddOperation(context.Background(), OperationRequest{
		DerivationPath: "alice-agent",
		OperationType:  "Swap",
		SourceAsset:    "near:native",
		TargetAsset:    "usdc.near",
		MaxAmount:      "5",
		SignerAddress:  outsider.address,
		Signature:      outsider.sign(message),
		Message:        message,
		Nonce:          record.NextNonce,
	})
	if xerrors.CodeOf(err) != xerrors.CodePermissionDenied {
		t.Fatalf("outsider code = %v, want permission denied", xerrors.CodeOf(err))
	}

	removeMsg := fmt.Sprintf("Remove operation %s with nonce: 2", op.OperationID)
	err = svc.RemoveOperation(context.Background(), RemoveRequest{
		DerivationPath: "alice-agent",
		OperationID:    op.OperationID,
		SignerAddress:  wallet.address,
		Signature:      wallet.sign(removeMsg),
		Message:        removeMsg,
		Nonce:          2,
	})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}

	removeAgain := fmt.Sprintf("Remove operation %s with nonce: 3", op.OperationID)
	err = svc.RemoveOperation(context.Background(), RemoveRequest{
		DerivationPath: "alice-agent",
		OperationID:    op.OperationID,
		SignerAddress:  wallet.address,
		Signature:      wallet.sign(removeAgain),
		Message:        removeAgain,
		Nonce:          3,
	})
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("double remove code = %v, want not found", xerrors.CodeOf(err))
	}
}

func TestConsumeFlipsExecutedOnce(t *testing.T) {
	svc := newTestService()
	wallet := newTestWallet(t)
	register(t, svc, "alice-agent", wallet, 0)
	op := addSwapOperation(t, svc, "alice-agent", wallet, 1)

	consumed, err := svc.Consume(context.Background(), "alice-agent", op.OperationID, nil)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !consumed.Executed {
		t.Fatalf("consumed operation not marked executed")
	}

	_, err = svc.Consume(context.Background(), "alice-agent", op.OperationID, nil)
	if xerrors.CodeOf(err) != xerrors.CodeAlreadyCompleted {
		t.Fatalf("double consume code = %v, want already completed", xerrors.CodeOf(err))
	}

	_, err = svc.Consume(context.Background(), "alice-agent", "alice-agent-99", nil)
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("missing operation code = %v, want not found", xerrors.CodeOf(err))
	}
}

func TestConsumeConditionalRequiresEvidence(t *testing.T) {
	svc := newTestService()
	wallet := newTestWallet(t)
	register(t, svc, "alice-agent", wallet, 0)

	message := "Authorize stop loss with nonce: 1"
	op, err := svc.AddOperation(context.Background(), OperationRequest{
		DerivationPath: "alice-agent",
		OperationType:  "StopLoss",
		SourceAsset:    "near:native",
		TargetAsset:    "usdc.near",
		MaxAmount:      "1000000",
		PriceAsset:     "NEAR",
		QuoteAsset:     "USDC",
		TriggerPrice:   "150.00",
		Condition:      ConditionBelow,
		SignerAddress:  wallet.address,
		Signature:      wallet.sign(message),
		Message:        message,
		Nonce:          1,
	})
	if err != nil {
		t.Fatalf("add conditional operation: %v", err)
	}

	ctx := context.Background()
	if _, err := svc.Consume(ctx, "alice-agent", op.OperationID, nil); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("missing evidence code = %v", xerrors.CodeOf(err))
	}

	stale := &PriceEvidence{Price: decimal.RequireFromString("149.50"), ObservedAt: time.Now().Add(-2 * time.Minute)}
	if _, err := svc.Consume(ctx, "alice-agent", op.OperationID, stale); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("stale evidence code = %v", xerrors.CodeOf(err))
	}

	unmet := &PriceEvidence{Price: decimal.RequireFromString("151.00"), ObservedAt: time.Now()}
	if _, err := svc.Consume(ctx, "alice-agent", op.OperationID, unmet); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("unmet condition code = %v", xerrors.CodeOf(err))
	}

	fresh := &PriceEvidence{Price: decimal.RequireFromString("149.50"), ObservedAt: time.Now()}
	consumed, err := svc.Consume(ctx, "alice-agent", op.OperationID, fresh)
	if err != nil {
		t.Fatalf("consume with valid evidence: %v", err)
	}
	if !consumed.Executed {
		t.Fatalf("operation not executed after valid consume")
	}
}

func TestConsumeExpiredOperation(t *testing.T) {
	svc := newTestService()
	wallet := newTestWallet(t)
	register(t, svc, "alice-agent", wallet, 0)

	message := "Authorize swap with nonce: 1"
	op, err := svc.AddOperation(context.Background(), OperationRequest{
		DerivationPath: "alice-agent",
		OperationType:  "Swap",
		SourceAsset:    "near:native",
		TargetAsset:    "usdc.near",
		MaxAmount:      "1000000",
		ExpiresAt:      time.Now().Add(-time.Minute).Unix(),
		SignerAddress:  wallet.address,
		Signature:      wallet.sign(message),
		Message:        message,
		Nonce:          1,
	})
	if err != nil {
		t.Fatalf("add operation: %v", err)
	}
	if _, err := svc.Consume(context.Background(), "alice-agent", op.OperationID, nil); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expired consume code = %v, want conflict", xerrors.CodeOf(err))
	}
}

func TestListActiveSkipsConsumedAndExpired(t *testing.T) {
	svc := newTestService()
	wallet := newTestWallet(t)
	register(t, svc, "alice-agent", wallet, 0)

	first := addSwapOperation(t, svc, "alice-agent", wallet, 1)
	second := addSwapOperation(t, svc, "alice-agent", wallet, 2)

	expiredMsg := "Authorize swap with nonce: 3"
	if _, err := svc.AddOperation(context.Background(), OperationRequest{
		DerivationPath: "alice-agent",
		OperationType:  "Swap",
		SourceAsset:    "near:native",
		TargetAsset:    "usdc.near",
		MaxAmount:      "10",
		ExpiresAt:      time.Now().Add(-time.Hour).Unix(),
		SignerAddress:  wallet.address,
		Signature:      wallet.sign(expiredMsg),
		Message:        expiredMsg,
		Nonce:          3,
	}); err != nil {
		t.Fatalf("add expired operation: %v", err)
	}

	if _, err := svc.Consume(context.Background(), "alice-agent", first.OperationID, nil); err != nil {
		t.Fatalf("consume first: %v", err)
	}

	active, err := svc.ListActive(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].OperationID != second.OperationID {
		t.Fatalf("active = %+v, want only %s", active, second.OperationID)
	}
}

func TestValidateOperationParams(t *testing.T) {
	svc := newTestService()
	wallet := newTestWallet(t)
	register(t, svc, "alice-agent", wallet, 0)

	message := "Authorize limit order with nonce: 1"
	base := OperationRequest{
		DerivationPath: "alice-agent",
		OperationType:  "LimitOrder",
		SourceAsset:    "sol:native",
		TargetAsset:    "usdc.sol",
		MaxAmount:      "1000",
		SignerAddress:  wallet.address,
		Signature:      wallet.sign(message),
		Message:        message,
		Nonce:          1,
	}

	// 条件类操作缺少触发信息时拒绝。
	if _, err := svc.AddOperation(context.Background(), base); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("missing trigger code = %v", xerrors.CodeOf(err))
	}

	bad := base
	bad.PriceAsset, bad.QuoteAsset = "SOL", "USDC"
	bad.TriggerPrice, bad.Condition = "150.00", "sideways"
	if _, err := svc.AddOperation(context.Background(), bad); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("bad condition code = %v", xerrors.CodeOf(err))
	}

	amount := base
	amount.OperationType = "Swap"
	amount.MaxAmount = "12.5"
	if _, err := svc.AddOperation(context.Background(), amount); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("fractional max amount code = %v", xerrors.CodeOf(err))
	}
}

package observer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/R3E-Network/contract_gateway/internal/app/storage/memory"
	"github.com/R3E-Network/contract_gateway/internal/engine/events"
	"github.com/R3E-Network/contract_gateway/pkg/logger"
	"github.com/R3E-Network/contract_gateway/platform/contracts/gateway"
	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	"github.com/R3E-Network/contract_gateway/platform/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventLine(kind gateway.EventKind, requestID string) string {
	return gateway.NewEventLog(kind, gateway.PaymentRequestLog{
		ID:                requestID,
		Amount:            types.NewU128(5),
		SenderAccountID:   "alice.near",
		ReceiverAccountID: "bob.near",
	}).String()
}

func TestObservePersistsAndFeeds(t *testing.T) {
	store := memory.New()
	feed := events.NewRingBuffer(10)
	obs := New(store, feed, logger.NewDiscard(), Config{})

	var handled []string
	obs.OnEvent(func(_ context.Context, e events.Event) error {
		handled = append(handled, e.RequestID())
		return errors.New("ignored")
	})

	obs.Observe(runtime.ReceiptOutcome{
		ID:         "rcpt-1",
		TxID:       "tx-1",
		Receiver:   "gateway.near",
		Method:     gateway.MethodOnTransferForRequest,
		Status:     runtime.StatusSuccess,
		ExecutedAt: time.Unix(100, 0).UTC(),
		Logs: []string{
			"Transferring 5 yNEAR from alice.near to account bob.near",
			`EVENT_JSON:{"standard":"nep141","version":"1.0.0","event":"ft_transfer","data":[]}`,
			"EVENT_JSON:{broken",
			eventLine(gateway.EventTransferSucceeded, "r1"),
		},
	})

	recs, err := store.ListEvents(context.Background(), "r1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "rcpt-1", recs[0].ReceiptID)
	assert.Equal(t, string(gateway.EventTransferSucceeded), recs[0].Event)

	recent := feed.Recent(10)
	require.Len(t, recent, 1)
	assert.Equal(t, recs[0].ID, recent[0].ID)
	assert.Equal(t, "tx-1", recent[0].TxID)
	assert.Equal(t, types.AccountID("gateway.near"), recent[0].Emitter)

	assert.Equal(t, []string{"r1"}, handled)
}

func TestAttachFollowsLedger(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	feed := events.NewRingBuffer(10)

	l := runtime.NewLedger(runtime.Config{State: store, Logger: logger.NewDiscard()})
	require.NoError(t, l.CreateAccount(ctx, "gateway.near", types.NewU128(1000)))
	require.NoError(t, l.CreateAccount(ctx, "alice.near", types.NewU128(1000)))
	require.NoError(t, l.CreateAccount(ctx, "bob.near", types.NewU128(0)))
	require.NoError(t, l.Deploy(ctx, "gateway.near", "gateway", gateway.New(gateway.Config{Logger: logger.NewDiscard()})))

	New(store, feed, logger.NewDiscard(), Config{}).Attach(l)

	out, err := l.Call(ctx, "alice.near", "gateway.near", gateway.MethodTransferFunds, gateway.TransferFundsArgs{
		Request: types.PaymentMetadata{ID: "r7", Amount: types.NewU128(10), ReceiverAccountID: "bob.near"},
	}, types.NewU128(10))
	require.NoError(t, err)
	require.NoError(t, out.Err())

	got := feed.RecentByRequest("r7", 10)
	require.Len(t, got, 1)
	assert.Equal(t, gateway.EventTransferSucceeded, got[0].Kind)

	recs, err := store.ListEvents(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestNilFeedAndStore(t *testing.T) {
	obs := New(nil, nil, logger.NewDiscard(), Config{})
	assert.NotPanics(t, func() {
		obs.Observe(runtime.ReceiptOutcome{ID: "x", Logs: []string{eventLine(gateway.EventTransferFailed, "r2")}})
	})
}

package ble

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/blelink/radio"
	"github.com/davidroman0O/blelink/state"
	"github.com/davidroman0O/blelink/task"
)

func TestAuthAndInitRunInOrder(t *testing.T) {
	p := peer(addrA)
	p.Values = map[uuid.UUID][]byte{charName: []byte("token")}
	h := newHarness(t, nil, p)

	var order []string
	var token []byte
	auth := NewTxn(func(tx *FuncTxn) {
		order = append(order, "auth")
		tx.Device().ReadTxn(tx, charName, func(ev ReadWriteEvent) {
			if !ev.WasSuccess() {
				tx.Fail()
				return
			}
			token = ev.Data
			tx.Succeed()
		})
	})
	initTxn := NewTxn(func(tx *FuncTxn) {
		order = append(order, "init")
		tx.Device().WriteTxn(tx, charBattery, []byte{1}, func(ev ReadWriteEvent) {
			if ev.WasSuccess() {
				tx.Succeed()
			} else {
				tx.Fail()
			}
		})
	})

	d := h.m.OnDiscovered(addrA, "", -60)
	var entered []state.DeviceState
	d.PushStateListener(func(ev StateEvent) {
		for _, s := range []state.DeviceState{state.Authenticating, state.Authenticated, state.Initializing, state.Initialized} {
			if ev.DidEnter(s) {
				entered = append(entered, s)
			}
		}
	})

	require.True(t, d.Connect(auth, initTxn, nil).IsNull())
	h.runUntil(2*time.Second, func() bool { return d.Is(state.Initialized) }, "initialized")

	assert.Equal(t, []string{"auth", "init"}, order)
	assert.Equal(t, []byte("token"), token)
	assert.Equal(t, []state.DeviceState{state.Authenticating, state.Authenticated, state.Initializing, state.Initialized}, entered)
	assert.Equal(t, 1, h.successes())
	assert.False(t, auth.IsRunning())
	assert.False(t, initTxn.IsRunning())
}

func TestAuthFailureDisconnectsAndRetries(t *testing.T) {
	h := newHarness(t, nil, peer(addrA))
	runs := 0
	auth := NewTxn(func(tx *FuncTxn) {
		runs++
		tx.Fail()
	})
	d := h.m.OnDiscovered(addrA, "", -60)
	require.True(t, d.Connect(auth, nil, nil).IsNull())

	h.runUntil(5*time.Second, func() bool { return len(h.fails()) == 3 }, "three auth failures")
	h.run(time.Second)

	fails := h.fails()
	require.Len(t, fails, 3)
	for _, ev := range fails {
		assert.Equal(t, StatusAuthenticationFailed, ev.Fail.Status)
	}
	assert.True(t, fails[0].IsRetrying)
	assert.True(t, fails[1].IsRetrying)
	assert.False(t, fails[2].IsRetrying)

	assert.Equal(t, 3, runs)
	assert.Equal(t, 3, h.connectCalls(addrA))
	assert.True(t, d.Is(state.Disconnected))
	assert.False(t, d.IsAny(state.BleConnected, state.Initialized, state.ConnectingOverall))
	assert.Equal(t, 0, h.successes())
	assert.Equal(t, radio.Disconnected, h.radio.ConnectionState(addrA))
}

func TestInitFailureWithoutRetry(t *testing.T) {
	h := newHarness(t, nil, peer(addrA))
	d := h.m.OnDiscovered(addrA, "", -60)
	d.PushReconnectFilter(ReconnectFilterFuncs{
		ConnectFailed: func(ConnectFailEvent) Please { return DoNotRetry() },
	})

	var mine []ConnectEvent
	initTxn := NewTxn(func(tx *FuncTxn) { tx.Fail() })
	require.True(t, d.Connect(nil, initTxn, func(ev ConnectEvent) { mine = append(mine, ev) }).IsNull())

	h.runUntil(2*time.Second, func() bool { return len(h.fails()) == 1 }, "init failure")
	h.run(time.Second)

	require.Len(t, mine, 1)
	assert.Equal(t, StatusInitializationFailed, mine[0].Fail.Status)
	assert.False(t, mine[0].IsRetrying)
	assert.Len(t, h.fails(), 1)
	assert.True(t, d.Is(state.Disconnected))
	assert.Equal(t, 1, h.connectCalls(addrA))
	assert.Equal(t, radio.Disconnected, h.radio.ConnectionState(addrA))
}

func TestAtomicTransactionHoldsTheQueue(t *testing.T) {
	h := newHarness(t, nil, peer(addrA))
	d := h.connected(addrA, nil, nil)

	var got []ReadWriteStatus
	txn := NewAtomicTxn(func(tx *FuncTxn) {
		tx.Device().ReadTxn(tx, charBattery, func(ev ReadWriteEvent) {
			got = append(got, ev.Status)
			tx.Device().ReadTxn(tx, charName, func(ev ReadWriteEvent) {
				got = append(got, ev.Status)
				tx.Succeed()
			})
		})
	})

	var result []TxnResult
	require.True(t, d.PerformTransaction(txn, func(_ Txn, r TxnResult) { result = append(result, r) }))
	assert.False(t, d.PerformTransaction(NewTxn(nil), nil), "only one transaction runs at a time")

	// an outside read queued behind the lock waits for the transaction
	var outside []ReadWriteEvent
	d.Read(charBattery, func(ev ReadWriteEvent) { outside = append(outside, ev) })

	h.runUntil(time.Second, func() bool { return len(result) == 1 }, "transaction end")
	assert.Equal(t, []TxnResult{TxnSucceeded}, result)
	assert.Equal(t, []ReadWriteStatus{RWSuccess, RWSuccess}, got)
	assert.Empty(t, outside)
	assert.False(t, h.m.Tasks().IsCurrentOrInQueue(task.KindTxnLock, d))

	h.runUntil(time.Second, func() bool { return len(outside) == 1 }, "outside read")
	assert.True(t, outside[0].WasSuccess())
}

func TestTransactionRequiresInitializedDevice(t *testing.T) {
	h := newHarness(t, nil, peer(addrA))
	d := h.m.OnDiscovered(addrA, "", -60)
	assert.False(t, d.PerformTransaction(NewTxn(nil), nil))

	var ev []ReadWriteEvent
	out := d.Read(charBattery, func(e ReadWriteEvent) { ev = append(ev, e) })
	assert.Equal(t, RWNotConnected, out.Status)
	require.Len(t, ev, 1)
	assert.Equal(t, RWNotConnected, ev[0].Status)
}

func TestReadAfterTransactionEndsIsCancelled(t *testing.T) {
	h := newHarness(t, nil, peer(addrA))
	d := h.connected(addrA, nil, nil)

	var done *FuncTxn
	txn := NewTxn(func(tx *FuncTxn) {
		done = tx
		tx.Succeed()
	})
	require.True(t, d.PerformTransaction(txn, nil))
	require.NotNil(t, done)

	out := d.ReadTxn(done, charBattery, nil)
	assert.Equal(t, RWCancelled, out.Status)
}

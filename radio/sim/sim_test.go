package sim

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/blelink/radio"
)

type recorder struct{ events []string }

func (r *recorder) add(format string, args ...any) {
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) OnConnectionStateChange(addr string, status int, state radio.ConnState) {
	r.add("conn %s %d %s", addr, status, state)
}

func (r *recorder) OnServicesDiscovered(addr string, status int) {
	r.add("services %s %d", addr, status)
}

func (r *recorder) OnCharacteristicRead(addr string, _ uuid.UUID, value []byte, status int) {
	r.add("read %s %q %d", addr, value, status)
}

func (r *recorder) OnCharacteristicWrite(addr string, _ uuid.UUID, status int) {
	r.add("write %s %d", addr, status)
}

func (r *recorder) OnReadRemoteRssi(addr string, rssi, status int) {
	r.add("rssi %s %d", addr, rssi)
}

func (r *recorder) OnMtuChanged(addr string, mtu, status int) {
	r.add("mtu %s %d", addr, mtu)
}

func (r *recorder) OnPhyUpdate(addr string, p radio.Phy, status int) {
	r.add("phy %s %s", addr, p)
}

func (r *recorder) OnDescriptorRead(addr string, _, desc uuid.UUID, value []byte, status int) {
	r.add("desc_read %s %s %q %d", addr, desc, value, status)
}

func (r *recorder) OnDescriptorWrite(addr string, _, desc uuid.UUID, status int) {
	r.add("desc_write %s %s %d", addr, desc, status)
}

func (r *recorder) OnCharacteristicChanged(addr string, _ uuid.UUID, value []byte) {
	r.add("changed %s %q", addr, value)
}

func (r *recorder) OnBondStateChanged(addr string, prev, next radio.BondState, reason int) {
	r.add("bond %s %s->%s", addr, prev, next)
}

func (r *recorder) OnRadioStateChanged(on bool) {
	r.add("radio %t", on)
}

const addr = "AA:BB:CC:DD:EE:01"

func setup(t *testing.T, p *Peer) (*Radio, *recorder, func(d time.Duration)) {
	t.Helper()
	r := New(p)
	rec := &recorder{}
	require.NoError(t, r.Start(rec))
	now := time.Unix(0, 0)
	r.Tick(now)
	advance := func(d time.Duration) {
		now = now.Add(d)
		r.Tick(now)
	}
	return r, rec, advance
}

func TestConnectFollowsScript(t *testing.T) {
	r, rec, advance := setup(t, &Peer{
		Address: addr,
		Connects: []Outcome{
			Fail(50*time.Millisecond, radio.GattError),
			Succeed(20 * time.Millisecond),
		},
	})

	require.True(t, r.Connect(addr, false))
	assert.Equal(t, radio.Connecting, r.ConnectionState(addr))
	advance(40 * time.Millisecond)
	assert.Empty(t, rec.events)
	advance(10 * time.Millisecond)
	assert.Equal(t, []string{"conn AA:BB:CC:DD:EE:01 133 DISCONNECTED"}, rec.events)

	require.True(t, r.Connect(addr, false))
	advance(20 * time.Millisecond)
	assert.Equal(t, radio.Connected, r.ConnectionState(addr))
	assert.Equal(t, 2, r.CountCalls("connect "+addr))
}

func TestHangNeverAnswers(t *testing.T) {
	r, rec, advance := setup(t, &Peer{Address: addr, Connects: []Outcome{Hang()}})
	require.True(t, r.Connect(addr, false))
	advance(time.Hour)
	assert.Empty(t, rec.events)

	// a disconnect aborts the pending attempt
	require.True(t, r.Disconnect(addr))
	advance(time.Millisecond)
	assert.Equal(t, []string{"conn AA:BB:CC:DD:EE:01 22 DISCONNECTED"}, rec.events)
}

func TestReadWriteWhileConnected(t *testing.T) {
	char := uuid.New()
	r, rec, advance := setup(t, &Peer{Address: addr, Values: map[uuid.UUID][]byte{char: []byte("hi")}})

	assert.False(t, r.Read(addr, char), "not connected")
	require.True(t, r.Connect(addr, false))
	advance(time.Millisecond)

	require.True(t, r.Read(addr, char))
	require.True(t, r.Write(addr, char, []byte("yo")))
	require.True(t, r.Read(addr, char))
	advance(time.Millisecond)

	assert.Equal(t, []string{
		"conn AA:BB:CC:DD:EE:01 0 CONNECTED",
		`read AA:BB:CC:DD:EE:01 "hi" 0`,
		"write AA:BB:CC:DD:EE:01 0",
		`read AA:BB:CC:DD:EE:01 "yo" 0`,
	}, rec.events)
}

func TestDropConnectionCancelsPendingOps(t *testing.T) {
	r, rec, advance := setup(t, &Peer{Address: addr, OpDelay: 100 * time.Millisecond})
	require.True(t, r.Connect(addr, false))
	advance(time.Millisecond)
	rec.events = nil

	require.True(t, r.ReadRssi(addr))
	r.DropConnection(addr, radio.LinkLoss, 10*time.Millisecond)
	advance(200 * time.Millisecond)

	assert.Equal(t, []string{"conn AA:BB:CC:DD:EE:01 8 DISCONNECTED"}, rec.events)
	assert.Equal(t, radio.Disconnected, r.ConnectionState(addr))
}

func TestTurnOffDropsLinks(t *testing.T) {
	r, rec, advance := setup(t, &Peer{Address: addr})
	r.RadioDelay = 5 * time.Millisecond
	require.True(t, r.Connect(addr, false))
	advance(time.Millisecond)
	rec.events = nil

	require.True(t, r.TurnOff())
	assert.False(t, r.IsOn())
	assert.False(t, r.Connect(addr, false))
	advance(5 * time.Millisecond)
	assert.Equal(t, []string{"conn AA:BB:CC:DD:EE:01 22 DISCONNECTED", "radio false"}, rec.events)

	require.True(t, r.TurnOn())
	advance(5 * time.Millisecond)
	assert.True(t, r.IsOn())
}

func TestBonding(t *testing.T) {
	r, rec, advance := setup(t, &Peer{Address: addr})
	require.True(t, r.CreateBond(addr))
	assert.Equal(t, radio.BondBonding, r.BondState(addr))
	advance(0)
	assert.Equal(t, radio.BondBonded, r.BondState(addr))
	assert.False(t, r.CreateBond(addr))
	require.True(t, r.RemoveBond(addr))
	advance(0)
	assert.Equal(t, []string{
		"bond AA:BB:CC:DD:EE:01 BONDING->BONDED",
		"bond AA:BB:CC:DD:EE:01 BONDED->NONE",
	}, rec.events)
}

func TestRefusedConnect(t *testing.T) {
	r, _, _ := setup(t, &Peer{Address: addr})
	r.RefuseConnect = true
	assert.False(t, r.Connect(addr, false))
}

func TestDescriptorsAndNotify(t *testing.T) {
	char := uuid.New()
	desc := uuid.MustParse("00002901-0000-1000-8000-00805f9b34fb")
	r, rec, advance := setup(t, &Peer{Address: addr})

	assert.False(t, r.SetNotify(addr, char, true), "not connected")
	require.True(t, r.Connect(addr, false))
	advance(time.Millisecond)
	rec.events = nil

	require.True(t, r.WriteDescriptor(addr, char, desc, []byte("label")))
	require.True(t, r.ReadDescriptor(addr, char, desc))
	assert.False(t, r.Notify(addr, char, []byte{1}), "notifications still off")
	require.True(t, r.SetNotify(addr, char, true))
	advance(time.Millisecond)
	require.True(t, r.Notify(addr, char, []byte{2}))
	advance(time.Millisecond)

	assert.Equal(t, []string{
		"desc_write AA:BB:CC:DD:EE:01 " + desc.String() + " 0",
		`desc_read AA:BB:CC:DD:EE:01 ` + desc.String() + ` "label" 0`,
		"desc_write AA:BB:CC:DD:EE:01 " + radio.CCCD.String() + " 0",
		`changed AA:BB:CC:DD:EE:01 "\x02"`,
	}, rec.events)

	require.True(t, r.RequestConnectionPriority(addr, radio.PriorityHigh))
	assert.Equal(t, 1, r.CountCalls("connection_priority "+addr+" HIGH"))
}

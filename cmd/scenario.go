package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/davidroman0O/blelink/ble"
	"github.com/davidroman0O/blelink/config"
	"github.com/davidroman0O/blelink/eventhub"
	"github.com/davidroman0O/blelink/logger"
	"github.com/davidroman0O/blelink/radio"
	"github.com/davidroman0O/blelink/radio/sim"
	"github.com/davidroman0O/blelink/state"
	"github.com/davidroman0O/blelink/task"
)

const (
	scenarioAddr = "AA:BB:CC:DD:EE:01"
	scenarioStep = 10 * time.Millisecond
)

var batteryLevel = uuid.MustParse("00002a19-0000-1000-8000-00805f9b34fb")

var scenarioCmd = &cobra.Command{
	Use:   "scenario [a|b|c]",
	Short: "Replay a reference scenario against the simulated radio",
	Long: `Runs one of the reference scenarios on a simulated radio with a fake clock
and prints every event the manager emits:

  a  connect from DISCONNECTED through service discovery to INITIALIZED
  b  link loss while connected, recovered by a silent short-term reconnect
  c  a remote disconnect cancelling a read that is already executing`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"a", "b", "c"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runScenario(strings.ToLower(args[0]), cfg, newLogger(cfg), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(scenarioCmd)
}

func simPeer(addr string) *sim.Peer {
	return &sim.Peer{
		Address:       addr,
		Name:          "sensor",
		RSSI:          -60,
		MTU:           185,
		ConnectDelay:  50 * time.Millisecond,
		DiscoverDelay: 20 * time.Millisecond,
		OpDelay:       20 * time.Millisecond,
		Values:        map[uuid.UUID][]byte{batteryLevel: {87}},
	}
}

// scenario drives a manager over the simulated radio with a fake clock
type scenario struct {
	out   io.Writer
	radio *sim.Radio
	m     *ble.Manager
	start time.Time
	now   time.Time
}

func newScenario(cfg *config.Config, log logger.Logger, out io.Writer, peers ...*sim.Peer) (*scenario, error) {
	start := time.Unix(1_700_000_000, 0).UTC()
	s := &scenario{out: out, radio: sim.New(peers...), start: start, now: start}

	simCfg := *cfg
	simCfg.Backend = config.BackendSim
	simCfg.Persistence.Path = ""
	m, err := ble.NewManager(&simCfg, s.radio,
		ble.WithLogger(log),
		ble.WithClock(func() time.Time { return s.now }),
	)
	if err != nil {
		return nil, err
	}
	s.m = m
	m.Subscribe(s.print)
	return s, nil
}

func (s *scenario) print(ev ble.Event) {
	msg, ok := eventhub.FromEvent(ev, s.now)
	if !ok {
		return
	}
	var detail []string
	if len(msg.Entered) > 0 {
		detail = append(detail, "+"+strings.Join(msg.Entered, " +"))
	}
	if len(msg.Exited) > 0 {
		detail = append(detail, "-"+strings.Join(msg.Exited, " -"))
	}
	if msg.Status != "" {
		detail = append(detail, "status="+msg.Status)
	}
	if msg.Retrying {
		detail = append(detail, "retrying")
	}
	if msg.Message != "" {
		detail = append(detail, msg.Message)
	}
	fmt.Fprintf(s.out, "[%7s] %-12s %-17s %s\n", s.now.Sub(s.start), msg.Type, msg.Address, strings.Join(detail, " "))
}

func (s *scenario) logf(format string, args ...interface{}) {
	fmt.Fprintf(s.out, "[%7s] "+format+"\n", append([]interface{}{s.now.Sub(s.start)}, args...)...)
}

func (s *scenario) tick() {
	s.now = s.now.Add(scenarioStep)
	s.m.Update(scenarioStep, s.now)
}

func (s *scenario) run(d time.Duration) {
	end := s.now.Add(d)
	for s.now.Before(end) {
		s.tick()
	}
}

func (s *scenario) runUntil(limit time.Duration, cond func() bool, what string) error {
	end := s.now.Add(limit)
	for !cond() {
		if !s.now.Before(end) {
			return fmt.Errorf("timed out after %s waiting for %s", limit, what)
		}
		s.tick()
	}
	return nil
}

func runScenario(name string, cfg *config.Config, log logger.Logger, out io.Writer) error {
	switch name {
	case "a":
		return scenarioConnect(cfg, log, out)
	case "b":
		return scenarioLinkLoss(cfg, log, out)
	case "c":
		return scenarioRemoteDisconnect(cfg, log, out)
	default:
		return fmt.Errorf("unknown scenario %q (want a, b or c)", name)
	}
}

func scenarioConnect(cfg *config.Config, log logger.Logger, out io.Writer) error {
	s, err := newScenario(cfg, log, out, simPeer(scenarioAddr))
	if err != nil {
		return err
	}
	defer s.m.Close()

	d := s.m.OnDiscovered(scenarioAddr, "sensor", -60)
	onConnect := 0
	if ev := d.Connect(nil, nil, func(ev ble.ConnectEvent) {
		if ev.Success {
			onConnect++
		}
	}); !ev.IsNull() {
		return fmt.Errorf("connect refused: %s", ev)
	}
	if err := s.runUntil(5*time.Second, func() bool { return d.Is(state.Initialized) }, "INITIALIZED"); err != nil {
		return err
	}
	s.run(time.Second)

	s.logf("result: %s, onConnect fired %d time(s)", d.StateString(), onConnect)
	if onConnect != 1 {
		return fmt.Errorf("expected exactly one onConnect, got %d", onConnect)
	}
	return nil
}

func scenarioLinkLoss(cfg *config.Config, log logger.Logger, out io.Writer) error {
	s, err := newScenario(cfg, log, out, simPeer(scenarioAddr))
	if err != nil {
		return err
	}
	defer s.m.Close()

	authRuns, failures := 0, 0
	auth := ble.NewTxn(func(tx *ble.FuncTxn) {
		authRuns++
		tx.Succeed()
	})
	d := s.m.OnDiscovered(scenarioAddr, "sensor", -60)
	d.Connect(auth, nil, func(ev ble.ConnectEvent) {
		if !ev.Success {
			failures++
		}
	})
	if err := s.runUntil(5*time.Second, func() bool { return d.Is(state.Initialized) }, "INITIALIZED"); err != nil {
		return err
	}

	s.logf("dropping the link with %s", radio.StatusName(radio.LinkLoss))
	s.radio.DropConnection(scenarioAddr, radio.LinkLoss, 0)
	if err := s.runUntil(time.Second, func() bool { return d.Is(state.ReconnectingShortTerm) }, "RECONNECTING_SHORT_TERM"); err != nil {
		return err
	}
	if err := s.runUntil(5*time.Second, func() bool { return d.Is(state.Initialized) }, "INITIALIZED again"); err != nil {
		return err
	}

	s.logf("result: %s, auth ran %d time(s), %d failure callback(s)", d.StateString(), authRuns, failures)
	if authRuns != 1 || failures != 0 {
		return fmt.Errorf("reconnect was not silent: auth ran %d times, %d failures", authRuns, failures)
	}
	return nil
}

func scenarioRemoteDisconnect(cfg *config.Config, log logger.Logger, out io.Writer) error {
	p := simPeer(scenarioAddr)
	p.OpDelay = 5 * time.Second
	s, err := newScenario(cfg, log, out, p)
	if err != nil {
		return err
	}
	defer s.m.Close()

	d := s.m.OnDiscovered(scenarioAddr, "sensor", -60)
	d.Connect(nil, nil, nil)
	if err := s.runUntil(5*time.Second, func() bool { return d.Is(state.Initialized) }, "INITIALIZED"); err != nil {
		return err
	}

	var read ble.ReadWriteEvent
	d.Read(batteryLevel, func(ev ble.ReadWriteEvent) { read = ev })
	if err := s.runUntil(time.Second, func() bool { return s.m.Tasks().IsCurrent(task.KindRead, d) }, "read executing"); err != nil {
		return err
	}
	s.logf("read is executing, disconnecting")

	d.DisconnectRemote()
	cur := s.m.Tasks().GetCurrent(task.KindDisconnect, d)
	if cur == nil {
		return fmt.Errorf("disconnect did not become current")
	}
	s.logf("read ended %s, disconnect is %s at %s priority", read.Status, cur.Core().State(), cur.Priority())
	if read.Status != ble.RWCancelled {
		return fmt.Errorf("expected the read to be cancelled, got %s", read.Status)
	}

	if err := s.runUntil(time.Second, func() bool { return d.Is(state.Disconnected) }, "DISCONNECTED"); err != nil {
		return err
	}
	s.logf("result: %s, last disconnect %s", d.StateString(), d.LastDisconnectIntent())
	return nil
}

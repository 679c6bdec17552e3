package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/davidroman0O/firm-go"
	"github.com/spf13/cobra"

	"github.com/davidroman0O/blelink/ble"
	"github.com/davidroman0O/blelink/state"
)

var (
	connectTimeout time.Duration
	connectHold    time.Duration
)

var connectCmd = &cobra.Command{
	Use:   "connect [address]",
	Short: "Connect to a device and show its state live",
	Long: `Registers the device, connects to it and prints every state change until the
connection is established (or the retry policy gives up). With --hold the link is
kept open for that long before an explicit disconnect.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		r, err := newRadio(cfg, log, args[0])
		if err != nil {
			return err
		}
		m, err := ble.NewManager(cfg, r, ble.WithLogger(log))
		if err != nil {
			return err
		}
		defer m.Close()

		return connectLive(cmd.Context(), m, args[0], cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(connectCmd)

	connectCmd.Flags().DurationVarP(&connectTimeout, "timeout", "t", 30*time.Second, "Give up after this long")
	connectCmd.Flags().DurationVar(&connectHold, "hold", 0, "Stay connected this long, then disconnect")
}

// connectLive runs the manager loop while a firm-go effect renders the device
// state on one status line.
func connectLive(parent context.Context, m *ble.Manager, addr string, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, connectTimeout+connectHold)
	defer cancel()

	var result error
	cleanup, wait := firm.Root(func(owner *firm.Owner) firm.CleanUp {
		statusSignal := firm.Signal(owner, "registering "+addr)
		errorSignal := firm.Signal[error](owner, nil)

		firm.Effect(owner, func() firm.CleanUp {
			fmt.Fprintf(out, "\r\033[KStatus: %s", statusSignal.Get())
			return nil
		}, []firm.Reactive{statusSignal})

		firm.Effect(owner, func() firm.CleanUp {
			if err := errorSignal.Get(); err != nil {
				fmt.Fprintf(out, "\nError: %v", err)
			}
			return nil
		}, []firm.Reactive{errorSignal})

		report := func(status string) {
			firm.Batch(owner, func() { statusSignal.Set(status) })
		}

		owner.TrackPendingOp()
		go func() {
			defer owner.CompletePendingOp()
			err := driveConnect(ctx, m, addr, report)
			result = err
			if err != nil {
				firm.Batch(owner, func() { errorSignal.Set(err) })
			}
		}()

		return func() { fmt.Fprintln(out) }
	})

	wait()
	cleanup()
	return result
}

// driveConnect posts the connect onto the update loop and runs the loop until
// the attempt settles
func driveConnect(ctx context.Context, m *ble.Manager, addr string, report func(string)) error {
	done := make(chan error, 1)
	settle := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	m.Post(func() {
		d, err := m.NewDevice(addr)
		if err != nil {
			settle(err)
			return
		}
		d.PushStateListener(func(ev ble.StateEvent) {
			report(fmt.Sprintf("%s %s", d.Address(), state.FormatDevice(ev.New)))
		})
		fail := d.Connect(nil, nil, func(ev ble.ConnectEvent) {
			switch {
			case ev.Success:
				settle(nil)
			case !ev.IsRetrying:
				settle(fmt.Errorf("connect failed: %s", ev.Fail))
			default:
				report(fmt.Sprintf("%s retrying after %s", d.Address(), ev.Fail.Status))
			}
		})
		if !fail.IsNull() {
			settle(fmt.Errorf("connect refused: %s", fail.Status))
		}
	})

	loopCtx, stop := context.WithCancel(ctx)
	defer stop()
	loopDone := make(chan error, 1)
	go func() { loopDone <- m.Run(loopCtx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("connect %s: %w", addr, ctx.Err())
	}
	if err == nil && connectHold > 0 {
		report(fmt.Sprintf("%s connected, holding for %s", addr, connectHold))
		select {
		case <-time.After(connectHold):
		case <-ctx.Done():
		}
		gone := make(chan struct{})
		var once sync.Once
		release := func() { once.Do(func() { close(gone) }) }
		m.Post(func() {
			d, ok := m.Device(addr)
			if !ok || !d.Disconnect() {
				release()
				return
			}
			d.PushStateListener(func(ev ble.StateEvent) {
				if ev.DidEnter(state.Disconnected) {
					release()
				}
			})
		})
		select {
		case <-gone:
		case <-time.After(5 * time.Second):
		}
	}

	stop()
	<-loopDone
	return err
}
